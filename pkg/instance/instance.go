package instance

import (
	"fmt"
	"os"
)

// GetID returns the worker instance identifier used as the lease owner.
// WORKER_ID wins; otherwise the hostname plus pid keeps replicas distinct.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
