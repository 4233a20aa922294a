package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"

	"convlog/internal/model"
)

// maxSuggestions bounds the suggestions attached to a NotFoundError.
const maxSuggestions = 3

// Resolve finds the session ref names. It tries, in order, a path to an
// existing session file, an exact session id, an exact alias and a unique id
// prefix. A step matching several sessions is an *model.AmbiguousError; no
// guess is made between them.
func (c *Catalog) Resolve(ctx context.Context, ref string) (Entry, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Entry{}, &model.NotFoundError{Ref: ref}
	}

	if looksLikePath(ref) {
		if info, err := os.Stat(ref); err == nil && !info.IsDir() {
			return c.resolvePath(ctx, ref)
		}
	}

	if err := c.ensureRefreshed(ctx); err != nil {
		return Entry{}, err
	}
	entries := c.Entries("")

	if matched := filterEntries(entries, func(e Entry) bool { return e.ID == ref }); len(matched) > 0 {
		return single(ref, matched)
	}
	if matched := filterEntries(entries, func(e Entry) bool { return e.Alias == ref }); len(matched) > 0 {
		return single(ref, matched)
	}
	if matched := filterEntries(entries, func(e Entry) bool { return strings.HasPrefix(e.ID, ref) }); len(matched) > 0 {
		return single(ref, matched)
	}

	return Entry{}, &model.NotFoundError{Ref: ref, Suggestions: suggest(ref, entries)}
}

func looksLikePath(ref string) bool {
	return strings.ContainsRune(ref, filepath.Separator) || strings.HasSuffix(ref, ".jsonl")
}

func (c *Catalog) resolvePath(ctx context.Context, path string) (Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve path %s: %w", path, err)
	}
	var entry Entry
	err = c.queue.Do(ctx, abs, func(ctx context.Context) error {
		var err error
		entry, _, err = c.refreshOne(ctx, filepath.Base(filepath.Dir(abs)), abs)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	c.mu.RLock()
	entry.Alias = c.aliases[entry.ID]
	c.mu.RUnlock()
	return entry, nil
}

func (c *Catalog) ensureRefreshed(ctx context.Context) error {
	c.mu.RLock()
	done := c.refreshed
	c.mu.RUnlock()
	if done {
		return nil
	}
	_, err := c.Refresh(ctx, "")
	return err
}

func filterEntries(entries []Entry, keep func(Entry) bool) []Entry {
	var out []Entry
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func single(ref string, matched []Entry) (Entry, error) {
	if len(matched) == 1 {
		return matched[0], nil
	}
	candidates := make([]string, len(matched))
	for i, e := range matched {
		candidates[i] = e.Project + "/" + e.ID
	}
	sort.Strings(candidates)
	return Entry{}, &model.AmbiguousError{Ref: ref, Candidates: candidates}
}

// suggest ranks session ids and aliases by fuzzy similarity to ref.
func suggest(ref string, entries []Entry) []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		for _, name := range []string{e.ID, e.Alias} {
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	matches := fuzzy.Find(ref, names)
	var out []string
	for _, m := range matches {
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// ValidateAlias rejects aliases that could not be typed back as a reference.
func ValidateAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("alias must not be empty")
	}
	for _, r := range alias {
		if unicode.IsSpace(r) || r == filepath.Separator {
			return fmt.Errorf("alias %q must not contain whitespace or path separators", alias)
		}
	}
	if strings.HasSuffix(alias, ".jsonl") {
		return fmt.Errorf("alias %q must not end in .jsonl", alias)
	}
	return nil
}

// SetAlias assigns alias to the session ref resolves to. Aliases are not
// required to be unique; a shared alias resolves as ambiguous.
func (c *Catalog) SetAlias(ctx context.Context, ref, alias string) (Entry, error) {
	if err := ValidateAlias(alias); err != nil {
		return Entry{}, err
	}
	entry, err := c.Resolve(ctx, ref)
	if err != nil {
		return Entry{}, err
	}
	if c.db != nil {
		if err := c.db.SetAlias(ctx, entry.ID, alias); err != nil {
			return Entry{}, err
		}
	}
	c.mu.Lock()
	c.aliases[entry.ID] = alias
	c.mu.Unlock()
	entry.Alias = alias
	return entry, nil
}

// RemoveAlias drops the alias of the session ref resolves to.
func (c *Catalog) RemoveAlias(ctx context.Context, ref string) (Entry, error) {
	entry, err := c.Resolve(ctx, ref)
	if err != nil {
		return Entry{}, err
	}
	if c.db != nil {
		if err := c.db.RemoveAlias(ctx, entry.ID); err != nil {
			return Entry{}, err
		}
	}
	c.mu.Lock()
	delete(c.aliases, entry.ID)
	c.mu.Unlock()
	entry.Alias = ""
	return entry, nil
}
