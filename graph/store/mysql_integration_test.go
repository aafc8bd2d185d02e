package store

import (
	"context"
	"os"
	"testing"
)

// TestMySQLStore_Integration runs the store contract against a real server.
// Set TEST_MYSQL_DSN to enable it, e.g.
//
//	TEST_MYSQL_DSN="root:password@tcp(localhost:3306)/stepgraph_test" go test ./graph/store/...
func TestMySQLStore_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set, skipping MySQL integration test")
	}

	st, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore() error = %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	keys, _ := st.Keys(ctx, "")
	for _, k := range keys {
		_ = st.Delete(ctx, k)
	}

	testStoreContract(t, st)
}
