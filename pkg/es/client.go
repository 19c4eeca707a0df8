// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/internal/model"
	"ollama-chat-go/pkg/log"
)

const messageMapping = `{
	"mappings": {
		"properties": {
			"message_id": { "type": "long" },
			"conversation_id": { "type": "long" },
			"user_id": { "type": "long" },
			"role": { "type": "keyword" },
			"content": { "type": "text" },
			"created_at": { "type": "date" }
		}
	}
}`

// MessageIndex 封装了聊天消息索引的读写。
type MessageIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewMessageIndex 用已有的客户端创建 MessageIndex，不检查索引。
func NewMessageIndex(client *elasticsearch.Client, indexName string) *MessageIndex {
	return &MessageIndex{client: client, indexName: indexName}
}

// InitES 初始化 Elasticsearch 客户端并确保消息索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*MessageIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := NewMessageIndex(client, esCfg.IndexName)
	if err := idx.EnsureIndex(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (m *MessageIndex) EnsureIndex(ctx context.Context) error {
	res, err := m.client.Indices.Exists([]string{m.indexName}, m.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", m.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = m.client.Indices.Create(
		m.indexName,
		m.client.Indices.Create.WithBody(strings.NewReader(messageMapping)),
		m.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", m.indexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}

	log.Infof("索引 '%s' 创建成功", m.indexName)
	return nil
}

// IndexMessage 以消息 ID 为文档 ID 写入索引，重复写入是幂等的。
func (m *MessageIndex) IndexMessage(ctx context.Context, doc model.MessageDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      m.indexName,
		DocumentID: strconv.FormatUint(uint64(doc.MessageID), 10),
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index message %d: %s", doc.MessageID, res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64               `json:"_score"`
			Source model.MessageDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 在指定用户的消息中做全文搜索。
func (m *MessageIndex) Search(ctx context.Context, userID uint, query string, limit int) ([]model.SearchHit, error) {
	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{"content": query},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"user_id": userID},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	res, err := m.client.Search(
		m.client.Search.WithContext(ctx),
		m.client.Search.WithIndex(m.indexName),
		m.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]model.SearchHit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hits = append(hits, model.SearchHit{
			ConversationID: h.Source.ConversationID,
			MessageID:      h.Source.MessageID,
			Role:           h.Source.Role,
			Content:        h.Source.Content,
			CreatedAt:      h.Source.CreatedAt,
			Score:          h.Score,
		})
	}
	return hits, nil
}

// DeleteByConversation 删除某个对话的全部已索引消息。
func (m *MessageIndex) DeleteByConversation(ctx context.Context, conversationID uint) error {
	body := fmt.Sprintf(`{"query":{"term":{"conversation_id":%d}}}`, conversationID)
	res, err := m.client.DeleteByQuery(
		[]string{m.indexName},
		strings.NewReader(body),
		m.client.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete conversation %d from index: %s", conversationID, res.String())
	}
	return nil
}
