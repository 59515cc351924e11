// Command pdfsigner issues signing certificates and adds and verifies
// multi-party incremental signatures on PDF documents.
//
// Usage:
//
//	pdfsigner <command> [flags] <args>
//
// Commands:
//
//	issue            Generate an RSA key and a self-signed certificate
//	new              Create a blank PDF with a signer limit
//	set-max-signers  Change the signer limit before the first signature
//	sign             Append a signature as a new incremental revision
//	verify           Verify every signature, oldest first
//	status           Show the signer limit and signatures of a document
//	serve            Run the HTTP API
//	version          Show version information
//
// Examples:
//
//	# Issue an identity and sign a document
//	pdfsigner issue --cn "Jane Doe" --email jane@example.org --out-dir ids
//	pdfsigner sign contract.pdf --cert ids/jane-doe.cert.pem --key ids/jane-doe.key.pem
//
//	# Verify with text output
//	pdfsigner -o text verify contract.pdf
package main

import (
	"os"

	"github.com/casamonarca/pdfsigner/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/pdfsigner
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args[1:])
}
