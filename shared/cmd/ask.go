package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// AskPassword prints question and reads a password without echo when stdin
// is a terminal, or a single line otherwise. Empty passwords are refused.
func AskPassword(question string) (string, error) {
	fmt.Fprint(os.Stderr, question)

	var pwd string
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr, "")
		if err != nil {
			return "", err
		}

		pwd = string(raw)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}

		pwd = strings.TrimRight(line, "\r\n")
	}

	if pwd == "" {
		return "", errors.New("Empty password")
	}

	return pwd, nil
}
