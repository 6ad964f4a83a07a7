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
	"errors"
	"strings"
)

// Common storage errors - implementation agnostic
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when the store has been closed
	ErrStoreClosed = errors.New("store is closed")

	// ErrDatabaseLocked is returned when the database is locked (SQLite specific)
	ErrDatabaseLocked = errors.New("database is locked")
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDatabaseLockedError checks if an error indicates the database is held by
// another process
func IsDatabaseLockedError(err error) bool {
	if errors.Is(err, ErrDatabaseLocked) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
