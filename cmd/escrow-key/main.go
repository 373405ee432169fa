package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/depositholder/internal/identity"
)

type entry struct {
	Address string       `json:"address"`
	Key     identity.Key `json:"key"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run prints the identity key deposits are filed under for each address.
func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("escrow-key", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addrList := fs.String("addresses", "", "comma-separated addresses (positional args are accepted too)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var raw []string
	for _, a := range strings.Split(*addrList, ",") {
		if a = strings.TrimSpace(a); a != "" {
			raw = append(raw, a)
		}
	}
	raw = append(raw, fs.Args()...)
	if len(raw) == 0 {
		return fmt.Errorf("at least one address is required")
	}

	out := make([]entry, 0, len(raw))
	for _, a := range raw {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			return fmt.Errorf("invalid address %q", a)
		}
		addr := common.HexToAddress(a)
		out = append(out, entry{Address: addr.Hex(), Key: identity.FromAddress(addr)})
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
