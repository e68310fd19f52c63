package credentials

import "golang.org/x/text/unicode/norm"

// passphraseCandidates returns the password forms tried against a
// container, in order: as supplied, NFC, NFKC. Containers written on
// other platforms may have normalized the passphrase differently when
// deriving the encryption key, so a correct password can still fail in
// its original form.
func passphraseCandidates(password string) []string {
	candidates := []string{password}
	for _, form := range []norm.Form{norm.NFC, norm.NFKC} {
		normalized := form.String(password)
		if !containsString(candidates, normalized) {
			candidates = append(candidates, normalized)
		}
	}
	return candidates
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
