package directory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-directory/internal/auth"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

type storedPrincipal struct {
	principal Principal
	hash      string
}

type memoryState struct {
	principals map[uuid.UUID]storedPrincipal
	audits     []shared.AuditLog
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		principals: make(map[uuid.UUID]storedPrincipal, len(s.principals)),
		audits:     slices.Clone(s.audits),
	}
	for id, sp := range s.principals {
		out.principals[id] = storedPrincipal{principal: clonePrincipal(sp.principal), hash: sp.hash}
	}
	return out
}

// memoryRepo serialises transactions and works on a copy of the state, so a
// failed transaction leaves nothing behind.
type memoryRepo struct {
	mu     sync.Mutex
	hasher *auth.Hasher
	state  memoryState

	// failOn makes the named tx method return the error once reached.
	failOn    map[string]error
	hashCalls int
	commits   int
	rollbacks int
}

func newMemoryRepo(hasher *auth.Hasher) *memoryRepo {
	return &memoryRepo{
		hasher: hasher,
		state:  memoryState{principals: make(map[uuid.UUID]storedPrincipal)},
		failOn: make(map[string]error),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{repo: r, state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		r.rollbacks++
		return err
	}
	if err := ctx.Err(); err != nil {
		r.rollbacks++
		return err
	}
	r.state = tx.state
	r.commits++
	return nil
}

func (r *memoryRepo) GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.state.principals[id]
	if !ok {
		return Principal{}, shared.NotFound("principal", id.String())
	}
	return clonePrincipal(sp.principal), nil
}

func (r *memoryRepo) ListPrincipals(ctx context.Context, filter ListFilter, after *uuid.UUID, limit int) ([]Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Principal
	for _, sp := range r.state.principals {
		p := sp.principal
		if after != nil && bytes.Compare(p.ID[:], after[:]) <= 0 {
			continue
		}
		if !matchesFilter(p, filter) {
			continue
		}
		out = append(out, clonePrincipal(p))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(p Principal, f ListFilter) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.RoleCode != "" && p.Role.Code != shared.NormalizeCode(f.RoleCode) {
		return false
	}
	if f.DepartmentCode != "" && (p.Department == nil || p.Department.Code != shared.NormalizeCode(f.DepartmentCode)) {
		return false
	}
	if f.ManagerRef != nil && !sameRef(p.ManagerRef, f.ManagerRef) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.Email), needle) {
			return false
		}
	}
	return true
}

func (r *memoryRepo) EmailTaken(ctx context.Context, email string, exclude *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.emailTaken(email, exclude), nil
}

func (r *memoryRepo) ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.reportCodeTaken(code, exclude), nil
}

func (r *memoryRepo) FindAccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sp := range r.state.principals {
		if strings.EqualFold(sp.principal.Email, email) {
			return accountOf(sp), nil
		}
	}
	return auth.Account{}, shared.NotFound("principal", "email")
}

func (r *memoryRepo) MarkAuthenticated(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.state.principals[id]
	if !ok {
		return shared.NotFound("principal", id.String())
	}
	at = at.UTC()
	sp.principal.LastAuthenticatedAt = &at
	r.state.principals[id] = sp
	return nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.principals)
}

func (r *memoryRepo) hashOf(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.principals[id].hash
}

func (r *memoryRepo) audits() []shared.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.state.audits)
}

func (r *memoryRepo) failNext(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[method] = err
}

func (s memoryState) emailTaken(email string, exclude *uuid.UUID) bool {
	for id, sp := range s.principals {
		if exclude != nil && id == *exclude {
			continue
		}
		if strings.EqualFold(sp.principal.Email, email) {
			return true
		}
	}
	return false
}

func (s memoryState) reportCodeTaken(code string, exclude *uuid.UUID) bool {
	for id, sp := range s.principals {
		if exclude != nil && id == *exclude {
			continue
		}
		if strings.EqualFold(sp.principal.ReportCode, code) {
			return true
		}
	}
	return false
}

type memoryTx struct {
	repo  *memoryRepo
	state memoryState
}

func (tx *memoryTx) fail(method string) error {
	if err, ok := tx.repo.failOn[method]; ok {
		delete(tx.repo.failOn, method)
		return err
	}
	return nil
}

func (tx *memoryTx) GetPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	sp, ok := tx.state.principals[id]
	if !ok {
		return Principal{}, shared.NotFound("principal", id.String())
	}
	return clonePrincipal(sp.principal), nil
}

func (tx *memoryTx) GetPrincipalForUpdate(ctx context.Context, id uuid.UUID) (Principal, error) {
	return tx.GetPrincipal(ctx, id)
}

func (tx *memoryTx) PrincipalExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok := tx.state.principals[id]
	return ok, nil
}

func (tx *memoryTx) ReportCodeTaken(ctx context.Context, code string, exclude *uuid.UUID) (bool, error) {
	return tx.state.reportCodeTaken(code, exclude), nil
}

func (tx *memoryTx) ManagerChain(ctx context.Context, start uuid.UUID, maxDepth int) (ManagerIndex, error) {
	index := make(ManagerIndex)
	current := start
	for depth := 0; depth < maxDepth; depth++ {
		sp, ok := tx.state.principals[current]
		if !ok || sp.principal.ManagerRef == nil {
			break
		}
		index[current] = *sp.principal.ManagerRef
		current = *sp.principal.ManagerRef
	}
	return index, nil
}

func (tx *memoryTx) CountSubordinates(ctx context.Context, id uuid.UUID) (int, error) {
	count := 0
	for _, sp := range tx.state.principals {
		if sp.principal.ManagerRef != nil && *sp.principal.ManagerRef == id {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) Credentials(ctx context.Context, id uuid.UUID) (auth.Account, error) {
	sp, ok := tx.state.principals[id]
	if !ok {
		return auth.Account{}, shared.NotFound("principal", id.String())
	}
	return accountOf(sp), nil
}

func (tx *memoryTx) InsertPrincipal(ctx context.Context, rec Record) error {
	if err := tx.fail("InsertPrincipal"); err != nil {
		return err
	}
	if rec.Secret == nil {
		return shared.Validation("secret", "required")
	}
	if err := tx.checkUnique(rec.Principal); err != nil {
		return err
	}
	hash, err := tx.hash(*rec.Secret)
	if err != nil {
		return err
	}
	tx.state.principals[rec.ID] = storedPrincipal{principal: clonePrincipal(rec.Principal), hash: hash}
	return nil
}

func (tx *memoryTx) UpdatePrincipal(ctx context.Context, rec Record) error {
	if err := tx.fail("UpdatePrincipal"); err != nil {
		return err
	}
	sp, ok := tx.state.principals[rec.ID]
	if !ok {
		return shared.NotFound("principal", rec.ID.String())
	}
	if err := tx.checkUnique(rec.Principal); err != nil {
		return err
	}
	if rec.Secret != nil {
		hash, err := tx.hash(*rec.Secret)
		if err != nil {
			return err
		}
		sp.hash = hash
	}
	next := clonePrincipal(rec.Principal)
	next.CreatedAt = sp.principal.CreatedAt
	next.LastAuthenticatedAt = sp.principal.LastAuthenticatedAt
	sp.principal = next
	tx.state.principals[rec.ID] = sp
	return nil
}

func (tx *memoryTx) DeletePrincipal(ctx context.Context, id uuid.UUID) error {
	if err := tx.fail("DeletePrincipal"); err != nil {
		return err
	}
	if _, ok := tx.state.principals[id]; !ok {
		return shared.NotFound("principal", id.String())
	}
	delete(tx.state.principals, id)
	return nil
}

func (tx *memoryTx) ReplaceRoleSnapshot(ctx context.Context, role RoleSnapshot, at time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, sp := range tx.state.principals {
		if sp.principal.Role.Code != role.Code {
			continue
		}
		sp.principal.Role = role
		sp.principal.Role.AssignableRoleCodes = slices.Clone(role.AssignableRoleCodes)
		sp.principal.ModifiedAt = at
		tx.state.principals[id] = sp
		ids = append(ids, id)
	}
	return ids, nil
}

func (tx *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if err := tx.fail("RecordAudit"); err != nil {
		return err
	}
	tx.state.audits = append(tx.state.audits, log)
	return nil
}

func (tx *memoryTx) Savepoint(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	nested := &memoryTx{repo: tx.repo, state: tx.state.clone()}
	if err := fn(ctx, nested); err != nil {
		return err
	}
	tx.state = nested.state
	return nil
}

func (tx *memoryTx) hash(secret string) (string, error) {
	tx.repo.hashCalls++
	return tx.repo.hasher.Hash(secret)
}

// checkUnique mimics the unique indexes on email and report code.
func (tx *memoryTx) checkUnique(p Principal) error {
	if tx.state.emailTaken(p.Email, &p.ID) {
		return shared.Conflict("duplicate key principals_email_key", nil)
	}
	if tx.state.reportCodeTaken(p.ReportCode, &p.ID) {
		return shared.Conflict("duplicate key principals_report_code_key", nil)
	}
	return nil
}

func accountOf(sp storedPrincipal) auth.Account {
	return auth.Account{
		ID:         sp.principal.ID,
		Email:      sp.principal.Email,
		SecretHash: sp.hash,
		Active:     sp.principal.Active(),
	}
}

func clonePrincipal(p Principal) Principal {
	p.Role.AssignableRoleCodes = slices.Clone(p.Role.AssignableRoleCodes)
	p.GrantedPermissions = slices.Clone(p.GrantedPermissions)
	if p.GrantedPermissions == nil {
		p.GrantedPermissions = []string{}
	}
	if p.Department != nil {
		dept := *p.Department
		p.Department = &dept
	}
	if p.ManagerRef != nil {
		ref := *p.ManagerRef
		p.ManagerRef = &ref
	}
	if p.LastAuthenticatedAt != nil {
		at := *p.LastAuthenticatedAt
		p.LastAuthenticatedAt = &at
	}
	return p
}

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryTx)(nil)
)
