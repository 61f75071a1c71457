package mfa

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompt asks the operator to type the verification code on the terminal.
// Used by the interactive login command when no mailbox is configured.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

func NewPrompt() *Prompt {
	return &Prompt{In: os.Stdin, Out: os.Stderr}
}

func (p *Prompt) VerificationCode(ctx context.Context) (string, error) {
	fmt.Fprint(p.Out, "Enter the verification code from your email: ")

	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("failed to read code: %w", res.err)
		}
		if res.code == "" {
			return "", fmt.Errorf("empty verification code")
		}
		return res.code, nil
	}
}
