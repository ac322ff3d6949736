//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/ormasoftchile/plantrace/pkg/plan"
)

func main() {
	data, err := plan.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll("schemas", 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/plan-v1.json", append(data, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/plan-v1.json")
}
