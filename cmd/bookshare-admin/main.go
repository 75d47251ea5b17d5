// Command bookshare-admin runs maintenance tasks against the bookshare database.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"bookshare/pkg/store"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(openGorm).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openGorm(dsn string) (store.Store, func() error, error) {
	st, err := store.NewGormStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}
