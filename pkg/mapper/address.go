package mapper

import (
	"strings"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
)

// ParseAddress splits "street, city, state zip, country" positionally.
// Missing tokens leave their components empty. This is best effort and
// lossy: anything past the third comma lands in Country.
func ParseAddress(flat string) contact.Address {
	var addr contact.Address
	flat = strings.TrimSpace(flat)
	if flat == "" {
		return addr
	}
	tokens := strings.SplitN(flat, ",", 4)
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	addr.Street = tokens[0]
	if len(tokens) > 1 {
		addr.City = tokens[1]
	}
	if len(tokens) > 2 {
		parts := strings.Fields(tokens[2])
		if len(parts) > 0 {
			addr.State = parts[0]
		}
		if len(parts) > 1 {
			addr.Zip = strings.Join(parts[1:], " ")
		}
	}
	if len(tokens) > 3 {
		addr.Country = tokens[3]
	}
	return addr
}

// FormatAddress is the inverse of ParseAddress. Trailing empty components
// are dropped.
func FormatAddress(addr contact.Address) string {
	parts := []string{
		addr.Street,
		addr.City,
		strings.TrimSpace(addr.State + " " + addr.Zip),
		addr.Country,
	}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, ", ")
}
