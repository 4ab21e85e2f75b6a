package workgraph

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Sync cursors are opaque to clients: a base64 claims document plus an HMAC
// seal so a tampered or foreign token is rejected as invalid rather than
// read as a position.
type cursorClaims struct {
	WorkspaceGID string `json:"w"`
	Sequence     uint64 `json:"s"`
	IssuedAt     int64  `json:"iat"`
}

func (s *Store) encodeCursor(claims cursorClaims) string {
	payload, _ := json.Marshal(claims)
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, s.cursorSecret)
	mac.Write([]byte(encoded))
	return encoded + "." + hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) decodeCursor(token string) (cursorClaims, error) {
	var claims cursorClaims
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return claims, validationErr("sync", "is not a valid cursor")
	}
	mac := hmac.New(sha256.New, s.cursorSecret)
	mac.Write([]byte(parts[0]))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return claims, validationErr("sync", "has an invalid signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claims, validationErr("sync", "is not a valid cursor")
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, validationErr("sync", "is not a valid cursor")
	}
	if claims.WorkspaceGID == "" {
		return claims, validationErr("sync", "is not a valid cursor")
	}
	return claims, nil
}

// Poll serves the events endpoint. With no token it issues a fresh cursor at
// the log head and an empty page (the caller fetches full state separately).
// With a valid token it returns every in-scope event past the held sequence
// up to the page limit. Polling is a pure read: re-presenting the same
// cursor replays the same window.
func (s *Store) Poll(scopeGID, syncToken string, limit int) (*EventFeed, error) {
	scopeGID = strings.TrimSpace(scopeGID)
	syncToken = strings.TrimSpace(syncToken)
	if scopeGID == "" && syncToken == "" {
		return nil, validationErr("resource", "is required")
	}
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if syncToken == "" {
		wsGID, ws, err := s.scopeWorkspaceLocked(scopeGID)
		if err != nil {
			return nil, err
		}
		head := ws.NextSequence - 1
		token := s.encodeCursor(cursorClaims{
			WorkspaceGID: wsGID,
			Sequence:     head,
			IssuedAt:     s.clock().Unix(),
		})
		return &EventFeed{Events: []ChangeEvent{}, Sync: token}, nil
	}

	claims, err := s.decodeCursor(syncToken)
	if err != nil {
		return nil, err
	}
	ws, ok := s.workspaces[claims.WorkspaceGID]
	if !ok {
		return nil, ErrNotFound
	}
	issuedAt := claims.IssuedAt
	if issuedAt > 0 && s.clock().Unix()-issuedAt > int64(s.retention.Seconds()) {
		return nil, &CursorExpiredError{
			WorkspaceGID:    claims.WorkspaceGID,
			Sequence:        claims.Sequence,
			OldestAvailable: ws.CompactedThrough + 1,
		}
	}
	if claims.Sequence < ws.CompactedThrough {
		return nil, &CursorExpiredError{
			WorkspaceGID:    claims.WorkspaceGID,
			Sequence:        claims.Sequence,
			OldestAvailable: ws.CompactedThrough + 1,
		}
	}

	events, last, hasMore := s.readEventsLocked(ws, scopeGID, claims.Sequence, limit)
	if len(events) == 0 {
		// No progress: hand the presented cursor back unchanged.
		return &EventFeed{Events: []ChangeEvent{}, Sync: syncToken}, nil
	}
	token := s.encodeCursor(cursorClaims{
		WorkspaceGID: claims.WorkspaceGID,
		Sequence:     last,
		IssuedAt:     s.clock().Unix(),
	})
	return &EventFeed{Events: events, Sync: token, HasMore: hasMore}, nil
}

// scopeWorkspaceLocked resolves a poll scope to its workspace partition. The
// scope may be a workspace GID or any resource GID inside one.
func (s *Store) scopeWorkspaceLocked(scopeGID string) (string, *workspaceState, error) {
	if ws, ok := s.workspaces[scopeGID]; ok {
		return scopeGID, ws, nil
	}
	if wsGID, ok := s.resourceIndex[scopeGID]; ok {
		return wsGID, s.workspaces[wsGID], nil
	}
	return "", nil, ErrNotFound
}

// EnsureWorkspace materializes an empty partition so pollers can obtain a
// cursor before the first mutation lands.
func (s *Store) EnsureWorkspace(workspaceGID string) error {
	workspaceGID = strings.TrimSpace(workspaceGID)
	if workspaceGID == "" {
		return validationErr("workspaceGid", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceLocked(workspaceGID)
	return nil
}
