package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/refractionpoint/oidc-login/internal/vault"
)

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// payload collects one answer per MFA constraint. Methods without a passcode
// (push) are answered with an empty list.
func (p *prompter) payload(req *vault.MFARequirement) (map[string][]string, error) {
	names := make([]string, 0, len(req.MFAConstraints))
	for name := range req.MFAConstraints {
		names = append(names, name)
	}
	sort.Strings(names)

	payload := make(map[string][]string, len(names))
	for _, name := range names {
		methods := req.MFAConstraints[name].Any
		if len(methods) == 0 {
			continue
		}
		m := methods[0]

		if !m.UsesPasscode {
			fmt.Fprintf(p.out, "Approve the %s request for %q on your device.\n", m.Type, name)
			payload[m.ID] = []string{}
			continue
		}

		fmt.Fprintf(p.out, "Enter the %s passcode for %q: ", m.Type, name)
		line, err := p.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("failed to read passcode: %w", err)
		}
		code := strings.TrimSpace(line)
		if code == "" {
			return nil, errors.New("passcode must not be empty")
		}
		payload[m.ID] = []string{code}
	}

	return payload, nil
}
