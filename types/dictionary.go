package types

import (
	"strings"
)

type DictionaryItem struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// DictionaryItems is an ordered flat key/value configuration.
type DictionaryItems []DictionaryItem

func (s DictionaryItems) Get(key string) (string, bool) {
	for idx := len(s) - 1; idx >= 0; idx-- {
		if s[idx].Key == key {
			return s[idx].Value, true
		}
	}
	return "", false
}

// Set replaces the last value of the key or appends a new item.
func (s DictionaryItems) Set(key, value string) DictionaryItems {
	for idx := len(s) - 1; idx >= 0; idx-- {
		if s[idx].Key == key {
			s[idx].Value = value
			return s
		}
	}
	return append(s, DictionaryItem{Key: key, Value: value})
}

// Deduplicate keeps only the last value of every key, ordered by that last occurrence.
func (s DictionaryItems) Deduplicate() DictionaryItems {
	lastIdx := map[string]int{}
	for idx, item := range s {
		lastIdx[item.Key] = idx
	}
	result := make(DictionaryItems, 0, len(lastIdx))
	for idx, item := range s {
		if lastIdx[item.Key] == idx {
			result = append(result, item)
		}
	}
	return result
}

func (s DictionaryItems) String() string {
	var parts []string
	for _, item := range s {
		parts = append(parts, item.Key+"="+item.Value)
	}
	return strings.Join(parts, ":")
}
