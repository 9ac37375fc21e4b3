package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a lower-case ULID. Ids generated by one process sort in creation order.
func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewInstanceName returns a name identifying this scheduler process as a lease holder.
func NewInstanceName(prefix string) string {
	if prefix == "" {
		prefix = "jobadmit"
	}
	return prefix + "-" + uuid.NewString()
}
