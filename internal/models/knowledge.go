package models

import "time"

// KnowledgeEntry is one document in a knowledge base.
type KnowledgeEntry struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledgeBaseId"`
	Title           string    `json:"title,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}

// KnowledgeResult is one ranked hit from a knowledge-base lookup.
type KnowledgeResult struct {
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
