package datasource

import (
	"fmt"

	"bsync-go/internal/config"
	"bsync-go/internal/remote"
)

// NewDatasourceFromConfig creates a Datasource based on the datasource config type.
func NewDatasourceFromConfig(cfg config.DatasourceConfig) (remote.Datasource, error) {
	switch cfg.Type {
	case "file", "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file datasource requires dir to be set")
		}
		return NewFileDatasource(cfg.Dir)
	case "memory":
		return NewMemoryDatasource(), nil
	default:
		return nil, fmt.Errorf("unknown datasource type: %q", cfg.Type)
	}
}
