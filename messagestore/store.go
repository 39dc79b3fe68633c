// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package messagestore keeps the bounded per-peer message history.
//
// Each remote peer has one log, persisted as a single CBOR record in
// the key/value store under the local user's namespace. Appends are
// deduplicated by message id, and the log is trimmed to the newest Cap
// entries. When the store reports its quota is exhausted the log is cut
// to Cap/2 and written once more; if that also fails the write is
// logged and dropped. Callers never see storage errors.
//
// Logs come back in append order. Sync can deliver old messages late,
// so views sort with [Store.SortedByTime].
package messagestore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/signaling"
)

// DefaultCap is the per-peer log length used when Config.Cap is unset.
const DefaultCap = 100

// Message is one chat message in a peer's log.
type Message struct {
	ID        string
	Author    signaling.PeerID
	Content   string
	Timestamp time.Time
	// IsSelf marks messages the local user wrote.
	IsSelf bool
}

// NewMessage stamps a fresh message with a random UUID. The timestamp
// is truncated to milliseconds, the precision it is stored and sent at.
func NewMessage(author signaling.PeerID, content string, now time.Time, isSelf bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		Timestamp: time.UnixMilli(now.UnixMilli()).UTC(),
		IsSelf:    isSelf,
	}
}

// record is the persisted form of a Message.
type record struct {
	ID          string `cbor:"id"`
	Author      string `cbor:"author"`
	Content     string `cbor:"content"`
	TimestampMs int64  `cbor:"timestamp"`
	IsSelf      bool   `cbor:"isSelf"`
}

func toRecord(message Message) record {
	return record{
		ID:          message.ID,
		Author:      string(message.Author),
		Content:     message.Content,
		TimestampMs: message.Timestamp.UnixMilli(),
		IsSelf:      message.IsSelf,
	}
}

func (r record) message() Message {
	return Message{
		ID:        r.ID,
		Author:    signaling.PeerID(r.Author),
		Content:   r.Content,
		Timestamp: time.UnixMilli(r.TimestampMs).UTC(),
		IsSelf:    r.IsSelf,
	}
}

// Config configures a Store.
type Config struct {
	// Backend holds the records. Required.
	Backend kvstore.Store

	// Owner is the local user; every key is namespaced under it.
	Owner signaling.PeerID

	// Cap bounds each peer's log. Values below 2 use DefaultCap.
	Cap int

	Logger *slog.Logger
}

// Store is the message history for one local user. It is the only
// writer of its keys.
type Store struct {
	backend kvstore.Store
	cap     int
	logger  *slog.Logger

	messagesPrefix string
	unreadPrefix   string

	mu     sync.Mutex
	logs   map[signaling.PeerID][]Message
	unread map[signaling.PeerID]int
}

// New returns a Store over cfg.Backend.
func New(cfg Config) *Store {
	capacity := cfg.Cap
	if capacity < 2 {
		capacity = DefaultCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	namespace := kvstore.UserPrefix(string(cfg.Owner))
	return &Store{
		backend:        cfg.Backend,
		cap:            capacity,
		logger:         logger.With("component", "messagestore"),
		messagesPrefix: namespace + "messages/",
		unreadPrefix:   namespace + "unread/",
		logs:           make(map[signaling.PeerID][]Message),
		unread:         make(map[signaling.PeerID]int),
	}
}

// Append adds message to peer's log. It returns false if a message
// with the same id is already present or peer's stored log cannot be
// read, in which case nothing is written. Messages from the remote side
// (IsSelf false) count as unread until MarkRead.
func (s *Store) Append(ctx context.Context, peer signaling.PeerID, message Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	message.Timestamp = time.UnixMilli(message.Timestamp.UnixMilli()).UTC()
	log, err := s.loadLocked(ctx, peer)
	if err != nil {
		s.logger.Error("message dropped, stored log unreadable", "peer", peer, "id", message.ID)
		return false
	}
	if slices.ContainsFunc(log, func(existing Message) bool { return existing.ID == message.ID }) {
		return false
	}

	log = append(slices.Clone(log), message)
	if len(log) > s.cap {
		log = log[len(log)-s.cap:]
	}
	s.logs[peer] = s.persistLocked(ctx, peer, log)

	if !message.IsSelf {
		count, err := s.unreadLocked(ctx, peer)
		if err != nil {
			return true
		}
		s.unread[peer] = count + 1
		if err := kvstore.PutRecord(ctx, s.backend, s.unreadPrefix+string(peer), s.unread[peer]); err != nil {
			s.logger.Warn("persisting unread count failed", "peer", peer, "error", err)
		}
	}
	return true
}

// GetAll returns peer's log in append order.
func (s *Store) GetAll(ctx context.Context, peer signaling.PeerID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.loadLocked(ctx, peer)
	return slices.Clone(log)
}

// SortedByTime returns peer's log ordered by timestamp. Messages with
// equal timestamps keep append order.
func (s *Store) SortedByTime(ctx context.Context, peer signaling.PeerID) []Message {
	messages := s.GetAll(ctx, peer)
	slices.SortStableFunc(messages, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return messages
}

// Has reports whether peer's log holds a message with id.
func (s *Store) Has(ctx context.Context, peer signaling.PeerID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.loadLocked(ctx, peer)
	return slices.ContainsFunc(log, func(m Message) bool { return m.ID == id })
}

// Latest returns the newest timestamp in peer's log. ok is false for
// an empty log.
func (s *Store) Latest(ctx context.Context, peer signaling.PeerID) (latest time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.loadLocked(ctx, peer)
	for _, message := range log {
		if !ok || message.Timestamp.After(latest) {
			latest, ok = message.Timestamp, true
		}
	}
	return latest, ok
}

// SelfAuthoredSince returns the local user's messages to peer newer
// than since, in append order. A nil since returns all of them.
func (s *Store) SelfAuthoredSince(ctx context.Context, peer signaling.PeerID, since *time.Time) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.loadLocked(ctx, peer)
	var selected []Message
	for _, message := range log {
		if !message.IsSelf {
			continue
		}
		if since != nil && !message.Timestamp.After(*since) {
			continue
		}
		selected = append(selected, message)
	}
	return selected
}

// UnreadCount returns the messages received from peer since the last
// MarkRead.
func (s *Store) UnreadCount(ctx context.Context, peer signaling.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, _ := s.unreadLocked(ctx, peer)
	return count
}

// MarkRead resets peer's unread count.
func (s *Store) MarkRead(ctx context.Context, peer signaling.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[peer] = 0
	if err := s.backend.Delete(ctx, s.unreadPrefix+string(peer)); err != nil {
		s.logger.Warn("clearing unread count failed", "peer", peer, "error", err)
	}
}

// Peers lists peers with a stored log.
func (s *Store) Peers(ctx context.Context) []signaling.PeerID {
	keys, err := s.backend.Keys(ctx, s.messagesPrefix)
	if err != nil {
		s.logger.Warn("listing message logs failed", "error", err)
		return nil
	}
	peers := make([]signaling.PeerID, 0, len(keys))
	for _, key := range keys {
		peers = append(peers, signaling.PeerID(strings.TrimPrefix(key, s.messagesPrefix)))
	}
	return peers
}

// Clear removes peer's log and unread count.
func (s *Store) Clear(ctx context.Context, peer signaling.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, peer)
	delete(s.unread, peer)
	for _, key := range []string{s.messagesPrefix + string(peer), s.unreadPrefix + string(peer)} {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logger.Warn("clearing message log failed", "peer", peer, "error", err)
		}
	}
}

// ClearAll removes every log and unread count of the local user.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.logs)
	clear(s.unread)
	for _, prefix := range []string{s.messagesPrefix, s.unreadPrefix} {
		if err := s.backend.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Warn("purging message store failed", "prefix", prefix, "error", err)
		}
	}
}

// persistLocked writes log and returns what the caller should cache.
func (s *Store) persistLocked(ctx context.Context, peer signaling.PeerID, log []Message) []Message {
	key := s.messagesPrefix + string(peer)
	err := s.writeLocked(ctx, key, log)
	if errors.Is(err, kvstore.ErrQuotaExceeded) {
		retained := s.cap / 2
		if len(log) > retained {
			log = log[len(log)-retained:]
		}
		s.logger.Warn("storage quota exceeded, reducing retained history",
			"peer", peer,
			"retained", len(log),
		)
		err = s.writeLocked(ctx, key, log)
	}
	if err != nil {
		s.logger.Error("message log write dropped", "peer", peer, "error", err)
	}
	return log
}

func (s *Store) writeLocked(ctx context.Context, key string, log []Message) error {
	records := make([]record, len(log))
	for index, message := range log {
		records[index] = toRecord(message)
	}
	return kvstore.PutRecord(ctx, s.backend, key, records)
}

// loadLocked returns peer's cached log, reading it from the backend on
// first use. A failed read is logged and not cached, so the next call
// reads again.
func (s *Store) loadLocked(ctx context.Context, peer signaling.PeerID) ([]Message, error) {
	if log, ok := s.logs[peer]; ok {
		return log, nil
	}
	var records []record
	if _, err := kvstore.GetRecord(ctx, s.backend, s.messagesPrefix+string(peer), &records); err != nil {
		s.logger.Warn("loading message log failed", "peer", peer, "error", err)
		return nil, err
	}
	log := make([]Message, len(records))
	for index, r := range records {
		log[index] = r.message()
	}
	s.logs[peer] = log
	return log, nil
}

func (s *Store) unreadLocked(ctx context.Context, peer signaling.PeerID) (int, error) {
	if count, ok := s.unread[peer]; ok {
		return count, nil
	}
	var count int
	if _, err := kvstore.GetRecord(ctx, s.backend, s.unreadPrefix+string(peer), &count); err != nil {
		s.logger.Warn("loading unread count failed", "peer", peer, "error", err)
		return 0, err
	}
	s.unread[peer] = count
	return count, nil
}
