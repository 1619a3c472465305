package irc

import (
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/ergochat/irc-go/ircutils"
)

// NewPlainAuth returns a SASL PLAIN client that authenticates and authorizes
// as username.
func NewPlainAuth(username, password string) sasl.Client {
	return sasl.NewPlainClient(username, username, password)
}

// saslExchange runs one SASL conversation over AUTHENTICATE lines.
type saslExchange struct {
	client sasl.Client
	ir     []byte
	buf    ircutils.SASLBuffer
	sent   bool
}

func newSASLExchange(client sasl.Client) *saslExchange {
	return &saslExchange{client: client}
}

// start returns the mechanism to announce with the first AUTHENTICATE.
func (x *saslExchange) start() (mech string, err error) {
	mech, x.ir, err = x.client.Start()
	if err != nil {
		return "", fmt.Errorf("sasl start: %w", err)
	}
	return mech, nil
}

// respond handles one AUTHENTICATE payload from the server and returns the
// parameters of the AUTHENTICATE lines to answer with, nil while the server
// challenge is still incomplete.
func (x *saslExchange) respond(payload string) ([]string, error) {
	if payload == "+" && !x.sent {
		x.sent = true
		if x.ir != nil {
			return ircutils.EncodeSASLResponse(x.ir), nil
		}
	}

	done, challenge, err := x.buf.Add(payload)
	if err != nil {
		return nil, fmt.Errorf("sasl challenge: %w", err)
	}
	if !done {
		return nil, nil
	}
	resp, err := x.client.Next(challenge)
	if err != nil {
		return nil, fmt.Errorf("sasl response: %w", err)
	}
	return ircutils.EncodeSASLResponse(resp), nil
}
