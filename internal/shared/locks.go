package shared

import "fmt"

// AccessLockKey builds redis keys serializing access changes of one user.
func AccessLockKey(userID int64) string {
	return fmt.Sprintf("access:user:%d:lock", userID)
}

// MigrationBatchLockKey guards batch migrations so only one runs at a time.
func MigrationBatchLockKey() string {
	return "access:migration:batch:lock"
}
