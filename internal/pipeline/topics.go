package pipeline

import "github.com/papyrix/papyrix/internal/config"

// Topics holds the fully prefixed queue names one deployment uses.
type Topics struct {
	Extract        string
	IndexFulltext  string
	IndexEmbedding string
	Status         string
	IndexReady     string
	DeleteDocument string
}

func NewTopics(cfg *config.Config) Topics {
	return Topics{
		Extract:        cfg.Topic("extract_requested"),
		IndexFulltext:  cfg.Topic("index_fulltext_requested"),
		IndexEmbedding: cfg.Topic("index_embedding_requested"),
		Status:         cfg.Topic("index_status"),
		IndexReady:     cfg.Topic("rpc_index_ready"),
		DeleteDocument: cfg.Topic("rpc_delete_document"),
	}
}
