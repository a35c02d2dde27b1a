package stubdomain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/api-gateway/pkg/facade"
	"github.com/morezero/api-gateway/pkg/rpc"
)

type record map[string]interface{}

// collectionStore keeps one domain's records in memory.
type collectionStore struct {
	domain string
	now    func() time.Time

	mu      sync.Mutex
	records map[string]record
}

func newCollectionStore(domain string) *collectionStore {
	return &collectionStore{domain: domain, now: time.Now, records: make(map[string]record)}
}

func decodeRequest(payload json.RawMessage) (*facade.CollectionRequest, error) {
	var req facade.CollectionRequest
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "Malformed request")
		}
	}
	return &req, nil
}

func decodeData(data json.RawMessage) (record, error) {
	out := record{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "Request body must be a JSON object")
	}
	return out, nil
}

func (s *collectionStore) notFound(id string) *rpc.RemoteError {
	return rpc.NewRemoteError("NOT_FOUND", http.StatusNotFound, fmt.Sprintf("%s %s not found", s.domain, id))
}

func copyRecord(r record) record {
	out := make(record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (s *collectionStore) findAll(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]record, 0, len(s.records))
	for _, r := range s.records {
		if matches(r, req.Params) {
			items = append(items, copyRecord(r))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return fmt.Sprint(items[i]["createdAt"], items[i]["id"]) < fmt.Sprint(items[j]["createdAt"], items[j]["id"])
	})
	return map[string]interface{}{"items": items, "total": len(items)}, nil
}

// matches keeps records whose fields equal every query parameter they carry.
func matches(r record, params map[string]string) bool {
	for k, want := range params {
		v, ok := r[k]
		if !ok {
			continue
		}
		if fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (s *collectionStore) findOne(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[req.ID]
	if !ok {
		return nil, s.notFound(req.ID)
	}
	return copyRecord(r), nil
}

func (s *collectionStore) create(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	data, err := decodeData(req.Data)
	if err != nil {
		return nil, err
	}
	return s.insert(data, req), nil
}

func (s *collectionStore) insert(data record, req *facade.CollectionRequest) record {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	data["id"] = id
	if req != nil && req.Actor != nil {
		data["ownerId"] = req.Actor.ID
	}
	data["createdAt"] = s.now().UTC().Format(time.RFC3339Nano)
	s.records[id] = data
	return copyRecord(data)
}

func (s *collectionStore) update(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	data, err := decodeData(req.Data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[req.ID]
	if !ok {
		return nil, s.notFound(req.ID)
	}
	for k, v := range data {
		switch k {
		case "id", "ownerId", "createdAt":
		default:
			r[k] = v
		}
	}
	r["updatedAt"] = s.now().UTC().Format(time.RFC3339Nano)
	return copyRecord(r), nil
}

func (s *collectionStore) remove(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[req.ID]; !ok {
		return nil, s.notFound(req.ID)
	}
	delete(s.records, req.ID)
	return map[string]interface{}{"id": req.ID, "deleted": true}, nil
}

// set applies fn to an existing record under the lock.
func (s *collectionStore) set(id string, fn func(r record) error) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, s.notFound(id)
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	return copyRecord(r), nil
}

func (s *collectionStore) addMember(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	data, err := decodeData(req.Data)
	if err != nil {
		return nil, err
	}
	userID, _ := data["userId"].(string)
	if userID == "" {
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "userId is required")
	}
	return s.set(req.ID, func(r record) error {
		members := memberList(r)
		for _, m := range members {
			if m == userID {
				return rpc.NewRemoteError("CONFLICT", http.StatusConflict, "User is already a member")
			}
		}
		r["members"] = append(members, userID)
		return nil
	})
}

func (s *collectionStore) removeMember(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	memberID := req.Params["memberId"]
	return s.set(req.ID, func(r record) error {
		members := memberList(r)
		kept := members[:0]
		found := false
		for _, m := range members {
			if m == memberID {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		if !found {
			return rpc.NewRemoteError("NOT_FOUND", http.StatusNotFound, "Member not found")
		}
		r["members"] = kept
		return nil
	})
}

func memberList(r record) []string {
	switch v := r["members"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, m := range v {
			if s, ok := m.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func (s *collectionStore) markRead(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	return s.set(req.ID, func(r record) error {
		r["read"] = true
		return nil
	})
}

func (s *collectionStore) ask(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	data, err := decodeData(req.Data)
	if err != nil {
		return nil, err
	}
	msg, _ := data["message"].(string)
	if msg == "" {
		return nil, rpc.NewRemoteError("BAD_REQUEST", http.StatusBadRequest, "message is required")
	}
	stored := s.insert(record{"message": msg, "reply": "You said: " + msg}, req)
	return stored, nil
}

// uploadCompleted records the uploaded object as a file.
func (s *collectionStore) uploadCompleted(_ context.Context, payload json.RawMessage) (interface{}, error) {
	data, err := decodeData(payload)
	if err != nil {
		return nil, err
	}
	file := record{"status": "uploaded"}
	for _, k := range []string{"key", "bucket", "size", "contentType", "etag", "receiptId"} {
		if v, ok := data[k]; ok {
			file[k] = v
		}
	}
	if id, ok := data["fileId"].(string); ok && id != "" {
		file["id"] = id
	}
	return s.insert(file, nil), nil
}
