// Copyright 2026 Rentbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rentbus

import (
	"errors"

	"github.com/rentalhub/rentbus-go/internal/reliability"
)

// ErrClientClosed is returned when subscribing on a closed client
var ErrClientClosed = errors.New("rentbus: client is closed")

// Permanent marks a handler error that redelivery cannot fix. Reliable
// consumers dead-letter such messages at once.
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	return reliability.IsPermanent(err)
}
