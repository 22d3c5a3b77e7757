// Package main generates API keys for auth.api_keys.keys. Only the bcrypt hash
// goes into the config; the raw key is shown once.
//
//	hash                 generate a new key with the bds_ prefix
//	hash -prefix p_      generate a new key with a custom prefix
//	hash <key>           hash an existing key
//	echo <key> | hash -  hash a key read from stdin
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/block-directory/block-directory/internal/auth"
)

func main() {
	prefix := flag.String("prefix", "bds_", "prefix for generated keys")
	flag.Parse()

	if err := run(*prefix, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(prefix string, args []string) error {
	if len(args) == 0 {
		key, hash, err := auth.GenerateAPIKey(prefix)
		if err != nil {
			return err
		}
		fmt.Printf("key:  %s\nhash: %s\n", key, hash)
		return nil
	}

	key := args[0]
	if key == "-" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key from stdin: %w", err)
		}
		key = strings.TrimSpace(line)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
