/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// BBoltStore implements the Store interface using bbolt. Each namespace maps
// to a bucket; bucket cursors iterate in key order, which gives List its
// ordering guarantee for free.
type BBoltStore struct {
	db *bbolt.DB
}

// NewBBoltStore opens (or creates) a bbolt store at the given path
func NewBBoltStore(dbPath string) (*BBoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BBoltStore{db: db}, nil
}

// Put writes a value under namespace/key
func (s *BBoltStore) Put(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", namespace, err)
		}
		return bucket.Put([]byte(key), value)
	})
}

// Get retrieves a value by namespace/key
func (s *BBoltStore) Get(namespace, key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return ErrNotFound
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// Delete removes a key; missing keys are not an error
func (s *BBoltStore) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// List returns all entries in a namespace in ascending key order
func (s *BBoltStore) List(namespace string) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			entries = append(entries, Entry{Key: string(k), Value: value})
		}
		return nil
	})

	return entries, err
}

// Close closes the database connection
func (s *BBoltStore) Close() error {
	return s.db.Close()
}
