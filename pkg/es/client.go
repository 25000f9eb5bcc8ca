// Package es 提供了把审计日志写入 Elasticsearch 的客户端。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"
	"fastdrop-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const auditMapping = `{
	"mappings": {
		"properties": {
			"action":      { "type": "keyword" },
			"actor_id":    { "type": "long" },
			"resource_id": { "type": "keyword" },
			"metadata":    { "type": "object", "enabled": false },
			"created_at":  { "type": "date" }
		}
	}
}`

// AuditIndexer 将审计记录写入一个 Elasticsearch 索引。
type AuditIndexer struct {
	client    *elasticsearch.Client
	indexName string
}

type auditDocument struct {
	Action     string          `json:"action"`
	ActorID    *uint           `json:"actor_id,omitempty"`
	ResourceID string          `json:"resource_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAuditIndexer 初始化 Elasticsearch 客户端，并在索引不存在时创建它。
func NewAuditIndexer(esCfg config.ElasticsearchConfig) (*AuditIndexer, error) {
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
	idx := &AuditIndexer{client: client, indexName: esCfg.IndexName}
	if err := idx.createIndexIfNotExists(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (i *AuditIndexer) createIndexIfNotExists(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.indexName}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", i.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = i.client.Indices.Create(
		i.indexName,
		i.client.Indices.Create.WithBody(strings.NewReader(auditMapping)),
		i.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}

	log.Infof("索引 '%s' 创建成功", i.indexName)
	return nil
}

// Write 将一条审计记录索引到 Elasticsearch。
func (i *AuditIndexer) Write(ctx context.Context, entry *model.AuditLog) error {
	doc := auditDocument{
		Action:     entry.Action,
		ActorID:    entry.ActorID,
		ResourceID: entry.ResourceID,
		CreatedAt:  entry.CreatedAt,
	}
	if entry.Metadata != "" {
		doc.Metadata = json.RawMessage(entry.Metadata)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index: i.indexName,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("索引审计记录到 Elasticsearch 出错: %s", res.String())
	}
	return nil
}
