// Package convo groups messages into stable, archive-aware conversations,
// keeps their denormalized rollups current, and heals duplicate conversations
// created by races.
package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"sort"
	"strings"
)

// Participant is one address taken from a message's headers.
type Participant struct {
	Email       string // normalized
	DisplayName string
	Kind        string // from, to, cc
}

// Identity is the grouping identity of a message. Key is the remote thread id
// when one exists, otherwise a value derived from the participant set.
// ParticipantHash is always computed because duplicate-merge detection
// operates on it regardless of thread ids.
type Identity struct {
	Key             string
	ParticipantHash string
	Participants    []Participant
	ListID          string
}

// ComputeIdentity derives the conversation identity for a message.
// Bcc addresses are deliberately excluded; addresses matching the account's
// aliases are removed; a mailing-list identifier folds into the identity so
// list traffic groups by list rather than by sender.
func ComputeIdentity(headers map[string]string, threadID string, myAliases []string) Identity {
	aliasSet := make(map[string]bool, len(myAliases))
	for _, a := range myAliases {
		aliasSet[NormalizeAddress(a)] = true
	}

	var participants []Participant
	seen := make(map[string]bool)
	for _, h := range []struct{ header, kind string }{
		{"From", "from"},
		{"To", "to"},
		{"Cc", "cc"},
	} {
		for _, addr := range parseAddresses(header(headers, h.header)) {
			email := NormalizeAddress(addr.Address)
			if email == "" || seen[email] {
				continue
			}
			seen[email] = true
			participants = append(participants, Participant{
				Email:       email,
				DisplayName: addr.Name,
				Kind:        h.kind,
			})
		}
	}

	listID := header(headers, "List-Id")

	hashed := make([]string, 0, len(participants))
	for _, p := range participants {
		if aliasSet[p.Email] {
			continue
		}
		hashed = append(hashed, p.Email)
	}
	sort.Strings(hashed)
	if listID != "" {
		hashed = append(hashed, "list:"+strings.ToLower(listID))
	}

	sum := sha256.Sum256([]byte(strings.Join(hashed, "\n")))
	hash := hex.EncodeToString(sum[:])

	key := threadID
	if key == "" {
		if listID != "" {
			key = "list:" + strings.ToLower(listID)
		} else {
			key = "participants:" + hash
		}
	}

	return Identity{
		Key:             key,
		ParticipantHash: hash,
		Participants:    participants,
		ListID:          listID,
	}
}

// NormalizeAddress lower-cases an address and strips +tag aliasing from the
// local part.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// IsNewsletter reports whether the headers carry a mailing-list identifier.
func IsNewsletter(headers map[string]string) bool {
	return header(headers, "List-Id") != "" || header(headers, "List-Unsubscribe") != ""
}

// FromAddress returns the normalized From address, or "".
func FromAddress(headers map[string]string) string {
	addrs := parseAddresses(header(headers, "From"))
	if len(addrs) == 0 {
		return ""
	}
	return NormalizeAddress(addrs[0].Address)
}

// header does a case-insensitive header lookup; providers differ in casing.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func parseAddresses(raw string) []*mail.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to naive comma splitting for headers the parser rejects.
		var out []*mail.Address
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if a, err := mail.ParseAddress(part); err == nil {
				out = append(out, a)
			} else if strings.Contains(part, "@") {
				out = append(out, &mail.Address{Address: part})
			}
		}
		return out
	}
	return addrs
}
