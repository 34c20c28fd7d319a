// SPDX-License-Identifier: MPL-2.0

package xec

import "github.com/google/uuid"

// newID generates a short unique identifier used for ephemeral Docker
// container names and command IDs stamped onto emitted events.
func newID() string {
	return uuid.NewString()
}
