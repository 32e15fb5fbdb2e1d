package natsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/auroracast/briefing/internal/core/briefing"
)

// Store はNATS JetStreamのオブジェクトストアを使用したBlobStore実装
type Store struct {
	conn   *nats.Conn
	bucket string
	store  nats.ObjectStore
}

// Connect はNATSサーバーへ接続し、指定バケットのStoreを作成します
// バケットが存在しない場合は作成し、存在する場合はバインドします
func Connect(url, bucket string) (*Store, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Audio artifacts for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			conn.Close()
			return nil, fmt.Errorf("failed to create object store bucket %q: %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind to existing object store bucket %q: %w", bucket, err)
		}
	}

	return &Store{
		conn:   conn,
		bucket: bucket,
		store:  store,
	}, nil
}

// Upload はキーを指定して音声データを保存します
func (s *Store) Upload(_ context.Context, key string, data []byte) error {
	_, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object %q to bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// Download はキーを指定して音声データを取得します
func (s *Store) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %q from bucket %q: %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("failed to close object %q: %w", key, closeErr)
	}

	return data, nil
}

// Close はNATS接続を閉じます
func (s *Store) Close() {
	s.conn.Close()
}

// インターフェース実装の確認
var _ briefing.BlobStore = (*Store)(nil)
