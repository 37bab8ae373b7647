// Package keys builds metadata store keys. All keys live under
// /tubesync/v1/clusters/<clusterId>.
package keys

import (
	"errors"
	"net/url"
	"strings"
)

// Prefix is the root of every key.
const Prefix = "/tubesync/v1"

// ErrInvalidKey is returned when a key does not have the expected shape.
var ErrInvalidKey = errors.New("keys: invalid key")

func clusterPrefix(clusterID string) string {
	return Prefix + "/clusters/" + url.PathEscape(clusterID)
}

// RoomEpochKey is the per-room load epoch counter.
//
//	/tubesync/v1/clusters/<clusterId>/rooms/<room>/epoch
func RoomEpochKey(clusterID, room string) string {
	return clusterPrefix(clusterID) + "/rooms/" + url.PathEscape(room) + "/epoch"
}

// WorkersPrefix is the prefix of all worker registrations of a cluster.
func WorkersPrefix(clusterID string) string {
	return clusterPrefix(clusterID) + "/workers/"
}

// WorkerKey is the ephemeral registration of one worker.
func WorkerKey(clusterID, workerID string) string {
	return WorkersPrefix(clusterID) + url.PathEscape(workerID)
}

// ParseWorkerKey extracts the worker id from a key built by WorkerKey.
func ParseWorkerKey(clusterID, key string) (string, error) {
	prefix := WorkersPrefix(clusterID)
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	id, err := url.PathUnescape(strings.TrimPrefix(key, prefix))
	if err != nil || id == "" || strings.Contains(id, "/") {
		return "", ErrInvalidKey
	}
	return id, nil
}

// HealthCheckKey is read by readiness probes; it is never written.
func HealthCheckKey(clusterID string) string {
	return clusterPrefix(clusterID) + "/health-check"
}
