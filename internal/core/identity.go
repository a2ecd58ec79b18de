package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var phonePattern = regexp.MustCompile(`#(\d+)#`)

// SenderClassifier reports whether a sender is a known automated source.
type SenderClassifier interface {
	IsAutomated(from string) bool
}

// DeriveIdentity computes the stable deduplication identity for a message.
//
// A protocol-native Message-ID is used verbatim. Automated senders do not
// guarantee unique ids across retransmission, so for those an identity is
// synthesized deterministically from the message content: identical
// (subject, body, sender, date) tuples always produce the same identity.
// Any other message without a native id has no usable identity and yields
// ErrIdentityUndeterminable.
func DeriveIdentity(msg *InboundMessage, classifier SenderClassifier) (string, error) {
	if msg.MessageID != "" {
		return msg.MessageID, nil
	}

	if !classifier.IsAutomated(msg.From) {
		return "", ErrIdentityUndeterminable
	}

	phone := "unknown"
	if m := phonePattern.FindStringSubmatch(msg.Subject); m != nil {
		phone = m[1]
	}

	content := msg.Subject + msg.TextBody + msg.From + msg.ReceivedAt.UTC().Format(time.RFC3339)
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])[:32]

	return fmt.Sprintf("autogen-%s-%d-%s", phone, msg.ReceivedAt.UnixMilli(), hash), nil
}
