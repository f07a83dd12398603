package shared

import "fmt"

// StatementLockKey builds the redis key guarding one bank statement import.
func StatementLockKey(batchID string) string {
	return fmt.Sprintf("bankimport:statement:%s:lock", batchID)
}

// IdempotencyModuleBankImport scopes statement fingerprints in idempotency_keys.
const IdempotencyModuleBankImport = "bankimport"
