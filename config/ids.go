package config

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}

// NewJobID returns a server-assigned ad job identifier. The short random
// trailer keeps log lines readable while the uuid guarantees uniqueness
// across processes.
func NewJobID() string {
	return fmt.Sprintf("ad_%s_%s", uuid.NewString(), RandomTrailer(4))
}
