// Package channels implements the channel multiplexer: the static
// per-channel policy table, per-connection subscription sets, and the
// channel/table subscriber index used for targeted broadcasts.
package channels

import (
	"errors"
	"sort"
	"sync"
	"time"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
)

// Permission actions that a role can hold on a channel.
const (
	PermRead      = "read"
	PermWrite     = "write"
	PermBroadcast = "broadcast"
)

// DefaultMaxChannelsPerConnection bounds the total number of
// subscriptions a single connection may hold across all channels.
const DefaultMaxChannelsPerConnection = 10

// Subscription errors carry the exact strings returned to clients.
var (
	ErrInvalidChannel          = errors.New(railbird.ErrMsgInvalidChannel)
	ErrInsufficientPermissions = errors.New(railbird.ErrMsgInsufficientPerms)
	ErrTableIDRequired         = errors.New(railbird.ErrMsgTableIDRequired)
	ErrChannelCapReached       = errors.New(railbird.ErrMsgChannelCapReached)
	ErrTotalCapExceeded        = errors.New(railbird.ErrMsgTotalCapExceeded)
	ErrNotSubscribed           = errors.New(railbird.ErrMsgNotSubscribed)
)

// Config describes one channel's subscription policy.
// MaxSubscriptions caps how many subscriptions to this channel a single
// connection may hold, and RateLimitPerMinute of zero means the channel
// carries no write limit of its own.
type Config struct {
	Name               string
	MaxSubscriptions   int
	RequiresTableID    bool
	RateLimitPerMinute int
	Permissions        map[string][]string
}

// Subscription records one connection's membership in a channel,
// optionally scoped to a table.
type Subscription struct {
	Channel      string
	TableID      string
	Permissions  []string
	SubscribedAt time.Time
}

type subKey struct {
	channel string
	tableID string
}

// DefaultChannels returns the built-in channel policy table.
func DefaultChannels() []Config {
	return []Config{
		{
			Name:             railbird.ChannelGame,
			MaxSubscriptions: 1,
			RequiresTableID:  true,
			Permissions: map[string][]string{
				auth.RolePlayer: {PermRead, PermWrite},
				auth.RoleAdmin:  {PermRead, PermWrite},
			},
		},
		{
			Name:             railbird.ChannelLobby,
			MaxSubscriptions: 1,
			Permissions: map[string][]string{
				auth.RolePlayer:    {PermRead},
				auth.RoleSpectator: {PermRead},
				auth.RoleAdmin:     {PermRead, PermWrite},
			},
		},
		{
			Name:               railbird.ChannelChat,
			MaxSubscriptions:   5,
			RequiresTableID:    true,
			RateLimitPerMinute: 30,
			Permissions: map[string][]string{
				auth.RolePlayer:    {PermRead, PermWrite},
				auth.RoleSpectator: {PermRead},
				auth.RoleAdmin:     {PermRead, PermWrite},
			},
		},
		{
			Name:             railbird.ChannelSpectator,
			MaxSubscriptions: 3,
			RequiresTableID:  true,
			Permissions: map[string][]string{
				auth.RoleSpectator: {PermRead},
				auth.RoleAdmin:     {PermRead},
			},
		},
		{
			Name:             railbird.ChannelAdmin,
			MaxSubscriptions: 1,
			Permissions: map[string][]string{
				auth.RoleAdmin: {PermRead, PermWrite, PermBroadcast},
			},
		},
	}
}

// Manager owns channel subscriptions for all live connections. It is
// safe for concurrent use; reads take a shared lock so broadcasts can
// snapshot subscriber sets without blocking each other.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]Config
	maxTotal int

	// byConn tracks each connection's subscriptions keyed by (channel, table).
	byConn map[string]map[subKey]*Subscription

	// index maps channel -> table -> subscriber connection ids. Channels
	// without a table scope use the empty string as table key.
	index map[string]map[string]map[string]struct{}
}

// NewManager builds a Manager over the given channel configs. Passing
// nil installs DefaultChannels.
func NewManager(configs []Config, maxChannelsPerConnection int) *Manager {
	if configs == nil {
		configs = DefaultChannels()
	}
	if maxChannelsPerConnection <= 0 {
		maxChannelsPerConnection = DefaultMaxChannelsPerConnection
	}
	m := &Manager{
		configs:  make(map[string]Config, len(configs)),
		maxTotal: maxChannelsPerConnection,
		byConn:   make(map[string]map[subKey]*Subscription),
		index:    make(map[string]map[string]map[string]struct{}),
	}
	for _, cfg := range configs {
		m.configs[cfg.Name] = cfg
	}
	return m
}

// Config returns the policy for a channel.
func (m *Manager) Config(channel string) (Config, bool) {
	cfg, ok := m.configs[channel]
	return cfg, ok
}

// HasPermission reports whether a role may perform an action on a
// channel. It consults only the static policy table and never mutates
// state.
func (m *Manager) HasPermission(role, channel, action string) bool {
	cfg, ok := m.configs[channel]
	if !ok {
		return false
	}
	for _, granted := range cfg.Permissions[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Subscribe validates and records a subscription for a connection.
// Checks run in order: channel existence, table requirement, read
// permission, per-channel cap, total cap. Re-subscribing to the same
// (channel, table) pair returns the existing subscription.
func (m *Manager) Subscribe(connID, role, channel, tableID string) (*Subscription, error) {
	cfg, ok := m.configs[channel]
	if !ok {
		return nil, ErrInvalidChannel
	}
	if cfg.RequiresTableID && tableID == "" {
		return nil, ErrTableIDRequired
	}
	if !m.HasPermission(role, channel, PermRead) {
		return nil, ErrInsufficientPermissions
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.byConn[connID]
	key := subKey{channel: channel, tableID: tableID}
	if existing, ok := subs[key]; ok {
		return existing, nil
	}

	channelCount := 0
	for k := range subs {
		if k.channel == channel {
			channelCount++
		}
	}
	if channelCount >= cfg.MaxSubscriptions {
		return nil, ErrChannelCapReached
	}
	if len(subs) >= m.maxTotal {
		return nil, ErrTotalCapExceeded
	}

	sub := &Subscription{
		Channel:      channel,
		TableID:      tableID,
		Permissions:  append([]string(nil), cfg.Permissions[role]...),
		SubscribedAt: time.Now(),
	}
	if subs == nil {
		subs = make(map[subKey]*Subscription)
		m.byConn[connID] = subs
	}
	subs[key] = sub

	tables, ok := m.index[channel]
	if !ok {
		tables = make(map[string]map[string]struct{})
		m.index[channel] = tables
	}
	members, ok := tables[tableID]
	if !ok {
		members = make(map[string]struct{})
		tables[tableID] = members
	}
	members[connID] = struct{}{}

	return sub, nil
}

// Unsubscribe removes a (channel, table) subscription from a connection.
func (m *Manager) Unsubscribe(connID, channel, tableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{channel: channel, tableID: tableID}
	subs, ok := m.byConn[connID]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := subs[key]; !ok {
		return ErrNotSubscribed
	}
	delete(subs, key)
	if len(subs) == 0 {
		delete(m.byConn, connID)
	}
	m.dropFromIndex(channel, tableID, connID)
	return nil
}

// RemoveConnection clears every subscription held by a connection,
// typically on close or replacement.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.byConn[connID]
	if !ok {
		return
	}
	for key := range subs {
		m.dropFromIndex(key.channel, key.tableID, connID)
	}
	delete(m.byConn, connID)
}

// dropFromIndex removes a member and collapses empty index entries.
// Caller must hold m.mu.
func (m *Manager) dropFromIndex(channel, tableID, connID string) {
	tables, ok := m.index[channel]
	if !ok {
		return
	}
	members, ok := tables[tableID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(tables, tableID)
	}
	if len(tables) == 0 {
		delete(m.index, channel)
	}
}

// Subscribers returns a snapshot of connection ids subscribed to a
// channel, scoped to a table. The snapshot is sorted for deterministic
// iteration and detached from internal state.
func (m *Manager) Subscribers(channel, tableID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.index[channel][tableID]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns a snapshot of one connection's subscriptions.
func (m *Manager) Subscriptions(connID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.byConn[connID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].TableID < out[j].TableID
	})
	return out
}

// IsSubscribed reports whether a connection holds a (channel, table)
// subscription.
func (m *Manager) IsSubscribed(connID, channel, tableID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byConn[connID][subKey{channel: channel, tableID: tableID}]
	return ok
}

// CountsByChannel returns the current subscription count per channel
// across all connections, for stats reporting.
func (m *Manager) CountsByChannel() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.index))
	for channel, tables := range m.index {
		total := 0
		for _, members := range tables {
			total += len(members)
		}
		counts[channel] = total
	}
	return counts
}
