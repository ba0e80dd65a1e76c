// Command fota-image prepares a raw firmware binary for the update agent by
// appending the SHA-256 trailer the slot store verifies.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/librescoot/fota-service/internal/slot"
)

func main() {
	var (
		in  = flag.String("in", "", "Raw firmware binary")
		out = flag.String("out", "", "Output image (default: <in>.img)")
	)
	flag.Parse()

	if *in == "" {
		log.Fatal("-in is required")
	}
	if *out == "" {
		*out = *in + ".img"
	}

	payload, err := os.ReadFile(*in)
	if err != nil {
		log.Fatalf("Failed to read firmware: %v", err)
	}

	image := slot.AppendDigest(payload)
	if err := os.WriteFile(*out, image, 0644); err != nil {
		log.Fatalf("Failed to write image: %v", err)
	}

	log.Printf("Wrote %s (%d bytes payload, %d bytes image)", *out, len(payload), len(image))
}
