package inventory

import (
	"errors"
	"fmt"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Store abstracts where an inventory document lives.
type Store interface {
	Load(out any) error
	Save(in any) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(onChange func()) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // inventory document ID
}

// NewStore builds a store of the requested type.
func NewStore(storeType StoreType, cfg any) (Store, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return NewFileStore(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return NewMongoStore(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}
