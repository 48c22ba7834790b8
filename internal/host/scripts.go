package host

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sbswitch/sbswitch/internal/models"
)

// readStorageScript returns every localStorage entry as [key, value] pairs
// in storage order. Filtering happens on our side.
const readStorageScript = `(() => {
  const out = [];
  for (let i = 0; i < localStorage.length; i++) {
    const key = localStorage.key(i);
    if (key !== null) {
      out.push([key, localStorage.getItem(key)]);
    }
  }
  return out;
})()`

// entriesToSet converts script output to a credential set.
func entriesToSet(pairs [][]string) models.CredentialSet {
	var set models.CredentialSet
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		set.Set(p[0], p[1])
	}
	return set
}

// writeStorageFunc removes every dashboard key, then sets the given pairs.
// Key selection must match credential.Codec.IsStorageKey and happens in the
// same evaluation as the write, so keys the page adds meanwhile are cleared
// too.
const writeStorageFunc = `((prefix, keyword, pairs) => {
  const stale = [];
  for (let i = 0; i < localStorage.length; i++) {
    const key = localStorage.key(i);
    if (key !== null && (key.startsWith(prefix + "-") || key.toLowerCase().includes(keyword))) {
      stale.push(key);
    }
  }
  stale.forEach((k) => localStorage.removeItem(k));
  pairs.forEach(([k, v]) => localStorage.setItem(k, v));
  return pairs.length;
})`

// writeStorageScript builds the write for set. prefix and keyword select the
// keys to clear first.
func writeStorageScript(prefix, keyword string, set models.CredentialSet) (string, error) {
	pairs := make([][2]string, 0, set.Len())
	for _, e := range set.Entries() {
		pairs = append(pairs, [2]string{e.Key, e.Value})
	}
	args, err := json.Marshal([]interface{}{prefix, strings.ToLower(keyword), pairs})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.apply(null, %s)", writeStorageFunc, args), nil
}
