// Package prefcache implements the PreferenceCache (spec §3): a
// (creator, id) -> (flags, payload) map created lazily on first demand
// and reused across every conduit within one sync, then snapshot-copied
// into each conduit child via Preference headers plus raw payloads
// (spec §5 "Shared resources").
package prefcache

// Key identifies one preference item.
type Key struct {
	Creator uint32
	ID      uint16
}

// Item is one cached preference's payload.
type Item struct {
	Flags   uint8
	Payload []byte
}

// Fetcher reads one preference item from the device on a cache miss.
// Wired by the caller to whatever DLP-level preference read the
// transport exposes; prefcache itself performs no device I/O.
type Fetcher func(creator uint32, id uint16) (Item, error)

// Cache is the PreferenceCache for one sync.
type Cache struct {
	fetch Fetcher
	items map[Key]Item
}

// New builds an empty cache backed by fetch for on-miss reads.
func New(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch, items: make(map[Key]Item)}
}

// Get returns the cached item for (creator, id), fetching and caching it
// on first demand (spec §3: "created lazily on first demand").
func (c *Cache) Get(creator uint32, id uint16) (Item, error) {
	key := Key{Creator: creator, ID: id}
	if item, ok := c.items[key]; ok {
		return item, nil
	}
	item, err := c.fetch(creator, id)
	if err != nil {
		return Item{}, err
	}
	c.items[key] = item
	return item, nil
}

// Put overwrites the cached value directly, used for the post-conduit
// flush-back: after a conduit exits, any preference item it declared is
// re-read from the device and written back into the cache
// (original_source's GenericConduit.cc GetPrefItem contract).
func (c *Cache) Put(creator uint32, id uint16, item Item) {
	c.items[Key{Creator: creator, ID: id}] = item
}

// Refresh re-fetches a preference item unconditionally, replacing any
// cached value, and returns the new value. Used after a conduit exits to
// pick up any change it made on the device (spec §3 supplement).
func (c *Cache) Refresh(creator uint32, id uint16) (Item, error) {
	item, err := c.fetch(creator, id)
	if err != nil {
		return Item{}, err
	}
	c.Put(creator, id, item)
	return item, nil
}

// Snapshot returns every cached entry, for copying into a conduit's
// environment without exposing the live map (spec §5: the child does not
// mutate the parent's cache).
func (c *Cache) Snapshot() map[Key]Item {
	out := make(map[Key]Item, len(c.items))
	for k, v := range c.items {
		out[k] = Item{Flags: v.Flags, Payload: append([]byte(nil), v.Payload...)}
	}
	return out
}
