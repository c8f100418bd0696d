// Command hashkey prints the bcrypt hash of an API key for use in API_KEY_HASHES.
//
//	hashkey <key>
//	echo -n <key> | hashkey
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/chatbank/chatbank/internal/middleware"
)

func main() {
	key, err := readKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashkey: %v\n", err)
		os.Exit(2)
	}
	hash, err := middleware.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func readKey() (string, error) {
	if len(os.Args) > 1 {
		return validKey(os.Args[1])
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	return validKey(strings.TrimRight(line, "\r\n"))
}

func validKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key must not be empty")
	}
	// bcrypt only considers the first 72 bytes
	if len(key) > 72 {
		return "", fmt.Errorf("key longer than 72 bytes")
	}
	return key, nil
}
