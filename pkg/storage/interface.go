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

// Entry is a single key/value pair returned by List
type Entry struct {
	Key   string
	Value []byte
}

// Store is the minimal durable key-value interface the sync core persists
// through. Keys live in named namespaces; List returns entries in ascending
// key order, which callers rely on for FIFO replay.
type Store interface {
	// Put writes a value under namespace/key, creating the namespace if needed.
	// The write is durable before Put returns.
	Put(namespace, key string, value []byte) error

	// Get retrieves a value; returns ErrNotFound if the key does not exist
	Get(namespace, key string) ([]byte, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(namespace, key string) error

	// List returns all entries in a namespace sorted by key ascending.
	// An unknown namespace yields an empty slice.
	List(namespace string) ([]Entry, error)

	// Close closes the storage connection
	Close() error
}
