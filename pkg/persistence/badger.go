package persistence

import (
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/survivor/pkg/logger"
)

// BadgerService 基于嵌入式 Badger 的持久化服务
type BadgerService struct {
	db *badger.DB
}

// OpenBadger 打开（或创建）Badger 目录
func OpenBadger(dir string) (*BadgerService, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("persistence: badger dir is required")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "打开 badger %s", dir)
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &badgerStore{db: s.db, key: []byte(storeKey(prefix, id, tag))}
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type badgerStore struct {
	db  *badger.DB
	key []byte
}

func (s *badgerStore) Save(data interface{}) error {
	logger.Debugf("[persistence] badger Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "序列化 %s", s.key)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

func (s *badgerStore) Load(data interface{}) error {
	logger.Debugf("[persistence] badger Load: key=%s", s.key)
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	if err != nil {
		return errors.Wrapf(err, "读取 %s", s.key)
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return errors.Wrapf(json.Unmarshal(raw, data), "解析 %s", s.key)
}
