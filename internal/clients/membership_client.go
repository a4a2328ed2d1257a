// internal/clients/membership_client.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"covernexus/internal/httpx"
	"covernexus/internal/membership"
)

// MembershipClient reaches the membership service's internal routes. It is
// the billing engine's member directory.
type MembershipClient struct {
	base
}

func NewMembershipClient(baseURL, internalKey string, timeout time.Duration) *MembershipClient {
	return &MembershipClient{base: newBase(baseURL, internalKey, timeout)}
}

func memberErr(err error) error {
	if errors.Is(err, httpx.ErrNotFound) {
		return fmt.Errorf("%w: %v", membership.ErrMemberNotFound, err)
	}
	return err
}

func (c *MembershipClient) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var m membership.Member
	if err := c.do(ctx, http.MethodGet, "/internal/members/"+id.String(), nil, &m); err != nil {
		return nil, memberErr(err)
	}
	return &m, nil
}

func (c *MembershipClient) FindByPhone(ctx context.Context, phone string) (*membership.Member, error) {
	return c.lookup(ctx, url.Values{"phone": {phone}})
}

func (c *MembershipClient) FindByPublicID(ctx context.Context, publicID string) (*membership.Member, error) {
	return c.lookup(ctx, url.Values{"public_id": {publicID}})
}

func (c *MembershipClient) lookup(ctx context.Context, q url.Values) (*membership.Member, error) {
	var m membership.Member
	if err := c.do(ctx, http.MethodGet, "/internal/members/lookup?"+q.Encode(), nil, &m); err != nil {
		return nil, memberErr(err)
	}
	return &m, nil
}

func (c *MembershipClient) ActiveFamily(ctx context.Context, id uuid.UUID) ([]*membership.FamilyMember, error) {
	var family []*membership.FamilyMember
	if err := c.do(ctx, http.MethodGet, "/internal/members/"+id.String()+"/family?active=true", nil, &family); err != nil {
		return nil, memberErr(err)
	}
	return family, nil
}

func (c *MembershipClient) UpdateStatus(ctx context.Context, id uuid.UUID, status membership.Status) error {
	body := struct {
		Status membership.Status `json:"status"`
	}{status}
	return memberErr(c.do(ctx, http.MethodPut, "/internal/members/"+id.String()+"/status", body, nil))
}

// RegisterMember onboards a member on behalf of another channel, e.g. USSD.
func (c *MembershipClient) RegisterMember(ctx context.Context, req membership.RegistrationRequest) (*membership.Member, error) {
	var m membership.Member
	if err := c.do(ctx, http.MethodPost, "/internal/members", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
