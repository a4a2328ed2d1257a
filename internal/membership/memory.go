// internal/membership/memory.go
package membership

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. Used with STORE_DRIVER=memory
// and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	members map[uuid.UUID]*Member
	family  map[uuid.UUID][]*FamilyMember
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members: make(map[uuid.UUID]*Member),
		family:  make(map[uuid.UUID][]*FamilyMember),
	}
}

func (r *MemoryRepository) CreateMember(_ context.Context, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID]; ok {
		return ErrDuplicateMember
	}
	for _, existing := range r.members {
		if existing.IDNumberHash == m.IDNumberHash || existing.PhoneNumber == m.PhoneNumber || existing.PublicID == m.PublicID {
			return ErrDuplicateMember
		}
	}
	if m.Version == 0 {
		m.Version = 1
	}
	cp := *m
	r.members[m.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetMember(_ context.Context, id uuid.UUID) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) findBy(match func(*Member) bool) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if match(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMemberNotFound
}

func (r *MemoryRepository) FindByPhone(_ context.Context, phone string) (*Member, error) {
	return r.findBy(func(m *Member) bool { return m.PhoneNumber == phone })
}

func (r *MemoryRepository) FindByPublicID(_ context.Context, publicID string) (*Member, error) {
	return r.findBy(func(m *Member) bool { return strings.EqualFold(m.PublicID, publicID) })
}

func (r *MemoryRepository) ExistsByIDHash(_ context.Context, hash string) (bool, error) {
	_, err := r.findBy(func(m *Member) bool { return m.IDNumberHash == hash })
	return err == nil, nil
}

func matches(m *Member, f ListFilter) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.CoverPlan != "" && !strings.EqualFold(m.CoverPlan, f.CoverPlan) {
		return false
	}
	if f.AgentCode != "" && m.AgentCode != f.AgentCode {
		return false
	}
	if f.Channel != "" && m.Channel != f.Channel {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(m.Name), q) && !strings.Contains(m.PhoneNumber, q) && !strings.EqualFold(m.PublicID, f.Search) {
			return false
		}
	}
	if f.RegisteredFrom != nil && m.RegisteredAt.Before(*f.RegisteredFrom) {
		return false
	}
	if f.RegisteredTo != nil && !m.RegisteredAt.Before(*f.RegisteredTo) {
		return false
	}
	return true
}

// ListMembers returns matches newest first.
func (r *MemoryRepository) ListMembers(_ context.Context, f ListFilter) ([]*Member, error) {
	r.mu.RLock()
	var out []*Member
	for _, m := range r.members {
		if matches(m, f) {
			cp := *m
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].PublicID < out[j].PublicID
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) CountMembers(_ context.Context, f ListFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if matches(m, f) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Summary(_ context.Context) (*Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Summary{ByStatus: map[Status]int{}, ByPlan: map[string]int{}}
	for _, m := range r.members {
		s.Total++
		if m.PhoneVerified {
			s.Verified++
		}
		s.ByStatus[m.Status]++
		s.ByPlan[m.CoverPlan]++
	}
	return s, nil
}

func (r *MemoryRepository) UpdateMember(_ context.Context, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.members[m.ID]
	if !ok {
		return ErrMemberNotFound
	}
	if stored.Version != m.Version {
		return ErrConcurrentUpdate
	}
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	r.members[m.ID] = &cp
	return nil
}

func (r *MemoryRepository) AddFamilyMember(_ context.Context, f *FamilyMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[f.MemberID]; !ok {
		return ErrMemberNotFound
	}
	if f.Relationship == RelationshipSpouse && f.Active {
		for _, existing := range r.family[f.MemberID] {
			if existing.Relationship == RelationshipSpouse && existing.Active {
				return ErrSpouseExists
			}
		}
	}
	cp := *f
	r.family[f.MemberID] = append(r.family[f.MemberID], &cp)
	return nil
}

func (r *MemoryRepository) ListFamily(_ context.Context, memberID uuid.UUID) ([]*FamilyMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FamilyMember, 0, len(r.family[memberID]))
	for _, f := range r.family[memberID] {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) DeactivateFamilyMember(_ context.Context, memberID, familyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.family[memberID] {
		if f.ID == familyID && f.Active {
			f.Active = false
			return nil
		}
	}
	return ErrFamilyNotFound
}
