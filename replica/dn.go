package replica

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

func EqualFold(a string, b string) bool {
	return strings.EqualFold(a, b)
}

// NormalizeDN produces the case- and spacing-normalized form used as a key.
func NormalizeDN(dn string) (string, error) {
	if dn == "" {
		return "", nil
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", err
	}
	rdns := []string{}
	for _, rdn := range parsed.RDNs {
		avas := []string{}
		for _, ava := range rdn.Attributes {
			avas = append(avas, strings.ToLower(ava.Type)+"="+strings.ToLower(ava.Value))
		}
		rdns = append(rdns, strings.Join(avas, "+"))
	}
	return strings.Join(rdns, ","), nil
}

func RequireNormalizeDN(dn string) string {
	ndn, err := NormalizeDN(dn)
	if err != nil {
		panic(err)
	}
	return ndn
}

// SplitDN returns the leading RDN and the parent DN.
func SplitDN(dn string) (string, string) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return dn, ""
	}
	i := strings.Index(dn, ",")
	if i < 0 {
		return dn, ""
	}
	return strings.TrimSpace(dn[:i]), strings.TrimSpace(dn[i+1:])
}

// RDNAttr returns the attribute type and value of the first AVA of dn's RDN.
func RDNAttr(dn string) (string, string) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return "", ""
	}
	ava := parsed.RDNs[0].Attributes[0]
	return ava.Type, ava.Value
}

// DNWithinSuffix reports whether ndn is at or below the normalized suffix.
func DNWithinSuffix(ndn string, nsuffix string) bool {
	if nsuffix == "" {
		return true
	}
	if ndn == nsuffix {
		return true
	}
	return strings.HasSuffix(ndn, ","+nsuffix)
}
