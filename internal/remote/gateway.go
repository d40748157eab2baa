package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"bsync-go/internal/bsync"
)

// DefaultOperationCooldown is the minimum time between two uploads, or two
// imports, that actually transfer data.
const DefaultOperationCooldown = 5 * time.Minute

// sizeWarningPercent is how much smaller than the remote copy an upload may
// be before it is logged as suspicious.
const sizeWarningPercent = 5.0

// Options configures a Gateway.
type Options struct {
	Namespace         string
	OperationCooldown time.Duration
}

// Gateway implements bsync.Remote over a Vault, the local Datasource and the
// local Registry. Payloads are sealed with the Encryptor before upload.
type Gateway struct {
	namespace  string
	vault      Vault
	data       Datasource
	registry   Registry
	encryptor  Encryptor
	passphrase PassphraseFunc
	clock      bsync.Clock
	idgen      bsync.IDGenerator
	logger     bsync.Logger

	cooldown time.Duration
	uploads  *rate.Limiter
	imports  *rate.Limiter
}

var _ bsync.Remote = (*Gateway)(nil)

func NewGateway(vault Vault, data Datasource, registry Registry, encryptor Encryptor, passphrase PassphraseFunc, clock bsync.Clock, idgen bsync.IDGenerator, logger bsync.Logger, opts Options) *Gateway {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &Gateway{
		namespace:  opts.Namespace,
		vault:      vault,
		data:       data,
		registry:   registry,
		encryptor:  encryptor,
		passphrase: passphrase,
		clock:      clock,
		idgen:      idgen,
		logger:     logger,
		cooldown:   opts.OperationCooldown,
		uploads:    newCooldownLimiter(opts.OperationCooldown),
		imports:    newCooldownLimiter(opts.OperationCooldown),
	}
}

func newCooldownLimiter(cooldown time.Duration) *rate.Limiter {
	if cooldown <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(cooldown), 1)
}

// FetchReconciliation compares the registry, local data and vault for every piece.
func (g *Gateway) FetchReconciliation(ctx context.Context) (bsync.Snapshots, error) {
	locals, err := g.registry.LocalDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local registry: %w", err)
	}

	out := make(bsync.Snapshots, len(bsync.AllPieceTypes()))
	for _, t := range bsync.AllPieceTypes() {
		remote, err := g.vault.Describe(ctx, g.namespace, t)
		if err != nil {
			return nil, bsync.NewError(bsync.KindNetwork, fmt.Errorf("describing remote %s: %w", t, err))
		}
		obs, err := g.observe(t, locals)
		if err != nil {
			return nil, err
		}

		var local *bsync.Descriptor
		if d, ok := locals[t]; ok {
			local = &d
		}
		out[t] = bsync.PieceSnapshot{
			Local:           local,
			Remote:          remote,
			Status:          bsync.Classify(local, remote, obs.HasLocalChanges),
			HasLocalChanges: obs.HasLocalChanges,
			LastUpdate:      obs.LastUpdate,
		}
	}
	return out, nil
}

// FetchLocalChangeProbe reads only the registry and local data.
func (g *Gateway) FetchLocalChangeProbe(ctx context.Context) (map[bsync.PieceType]bsync.LocalObservation, error) {
	locals, err := g.registry.LocalDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local registry: %w", err)
	}
	out := make(map[bsync.PieceType]bsync.LocalObservation, len(bsync.AllPieceTypes()))
	for _, t := range bsync.AllPieceTypes() {
		obs, err := g.observe(t, locals)
		if err != nil {
			return nil, err
		}
		out[t] = obs
	}
	return out, nil
}

// observe reports local changes since the registered descriptor. Data with
// no registered descriptor always counts as changed.
func (g *Gateway) observe(t bsync.PieceType, locals map[bsync.PieceType]bsync.Descriptor) (bsync.LocalObservation, error) {
	last, exists, err := g.data.LastUpdate(t)
	if err != nil {
		return bsync.LocalObservation{}, fmt.Errorf("reading local %s: %w", t, err)
	}
	if !exists {
		return bsync.LocalObservation{}, nil
	}
	local, registered := locals[t]
	return bsync.LocalObservation{
		HasLocalChanges: !registered || last.After(local.Date),
		LastUpdate:      last,
	}, nil
}

type sealedPiece struct {
	piece   bsync.PieceType
	desc    bsync.Descriptor
	payload []byte
}

// UploadPieces seals and uploads each listed piece that has local changes
// (every listed piece with local data when force is set).
func (g *Gateway) UploadPieces(ctx context.Context, types []bsync.PieceType, force bool) (bsync.Snapshots, error) {
	now := g.clock.Now()
	if g.uploads.TokensAt(now) < 1 {
		return nil, bsync.Errorf(bsync.KindRateLimited, "upload attempted within %s of the previous one", g.cooldown)
	}

	locals, err := g.registry.LocalDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local registry: %w", err)
	}

	var pending []sealedPiece
	for _, t := range types {
		p, err := g.prepareUpload(ctx, t, locals, force)
		if err != nil {
			return nil, err
		}
		if p != nil {
			pending = append(pending, *p)
		}
	}

	result := make(bsync.Snapshots, len(pending))
	recorded := make(map[bsync.PieceType]bsync.Descriptor, len(pending))
	for _, p := range pending {
		if err := g.vault.PutPiece(ctx, g.namespace, p.piece, p.desc, bytes.NewReader(p.payload), int64(len(p.payload))); err != nil {
			g.recordPartial(ctx, "upload", recorded)
			return nil, bsync.NewError(bsync.KindNetwork, fmt.Errorf("uploading %s: %w", p.piece, err))
		}
		g.logger.Debug("uploaded piece", "type", string(p.piece), "id", p.desc.ID, "size", p.desc.Size)
		result[p.piece] = syncedSnapshot(p.desc)
		recorded[p.piece] = p.desc
	}
	if len(recorded) == 0 {
		return result, nil
	}

	g.uploads.AllowN(now, 1)
	if err := g.registry.RecordLocalDescriptors(ctx, recorded); err != nil {
		return nil, fmt.Errorf("recording uploaded pieces: %w", err)
	}
	return result, nil
}

func (g *Gateway) prepareUpload(ctx context.Context, t bsync.PieceType, locals map[bsync.PieceType]bsync.Descriptor, force bool) (*sealedPiece, error) {
	last, exists, err := g.data.LastUpdate(t)
	if err != nil {
		return nil, fmt.Errorf("reading local %s: %w", t, err)
	}
	if !exists {
		g.logger.Debug("skipping upload: no local data", "type", string(t))
		return nil, nil
	}
	local, registered := locals[t]
	if registered && !last.After(local.Date) && !force {
		g.logger.Debug("skipping upload: no local changes since last backup", "type", string(t))
		return nil, nil
	}

	remote, err := g.vault.Describe(ctx, g.namespace, t)
	if err != nil {
		return nil, bsync.NewError(bsync.KindNetwork, fmt.Errorf("describing remote %s: %w", t, err))
	}
	if !force && remote != nil {
		changedElsewhere := !registered || remote.ID != local.ID
		newer := !registered || remote.Date.After(local.Date)
		if changedElsewhere && newer {
			g.logger.Warn("upload conflict: remote changed since last sync", "type", string(t))
			return nil, bsync.Errorf(bsync.KindConflict, "remote %s changed since the last sync", t)
		}
	}

	var plain, sealed bytes.Buffer
	if err := g.data.Export(t, &plain); err != nil {
		return nil, fmt.Errorf("exporting %s: %w", t, err)
	}
	if err := g.encryptor.Encrypt(&plain, &sealed); err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", t, err)
	}

	p := &sealedPiece{
		piece:   t,
		desc:    bsync.Descriptor{ID: g.idgen.New(), Date: last, Size: int64(sealed.Len())},
		payload: sealed.Bytes(),
	}
	if remote != nil && remote.Size > 0 {
		shrink := float64(remote.Size-p.desc.Size) / float64(remote.Size) * 100
		if shrink >= sizeWarningPercent {
			g.logger.Warn("uploading significantly smaller piece than remote copy",
				"type", string(t), "size", p.desc.Size, "remote_size", remote.Size,
				"percent_smaller", fmt.Sprintf("%.1f", shrink))
		}
	}
	return p, nil
}

// ImportPieces downloads, decrypts and applies each listed piece whose remote
// copy is newer than the registered one.
func (g *Gateway) ImportPieces(ctx context.Context, types []bsync.PieceType, force bool) (bsync.Snapshots, error) {
	now := g.clock.Now()
	if g.imports.TokensAt(now) < 1 {
		return nil, bsync.Errorf(bsync.KindRateLimited, "import attempted within %s of the previous one", g.cooldown)
	}

	dec, err := g.unlock()
	if err != nil {
		return nil, err
	}

	locals, err := g.registry.LocalDescriptors(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local registry: %w", err)
	}

	var wanted []bsync.PieceType
	for _, t := range types {
		ok, err := g.shouldImport(ctx, t, locals, force)
		if err != nil {
			return nil, err
		}
		if ok {
			wanted = append(wanted, t)
		}
	}

	var pending []sealedPiece
	for _, t := range wanted {
		var sealed, plain bytes.Buffer
		desc, err := g.vault.GetPiece(ctx, g.namespace, t, &sealed)
		if err != nil {
			return nil, bsync.NewError(bsync.KindNetwork, fmt.Errorf("downloading %s: %w", t, err))
		}
		if err := dec.Decrypt(&sealed, &plain); err != nil {
			return nil, bsync.NewError(bsync.KindInvalidCredentials, fmt.Errorf("decrypting %s: %w", t, err))
		}
		pending = append(pending, sealedPiece{piece: t, desc: desc, payload: plain.Bytes()})
	}

	result := make(bsync.Snapshots, len(pending))
	recorded := make(map[bsync.PieceType]bsync.Descriptor, len(pending))
	for _, p := range pending {
		if err := g.data.Replace(p.piece, bytes.NewReader(p.payload), p.desc.Date); err != nil {
			g.recordPartial(ctx, "import", recorded)
			return nil, fmt.Errorf("replacing local %s: %w", p.piece, err)
		}
		g.logger.Debug("imported piece", "type", string(p.piece), "id", p.desc.ID)
		result[p.piece] = syncedSnapshot(p.desc)
		recorded[p.piece] = p.desc
	}
	if len(recorded) == 0 {
		return result, nil
	}

	g.imports.AllowN(now, 1)
	if err := g.registry.RecordLocalDescriptors(ctx, recorded); err != nil {
		return nil, fmt.Errorf("recording imported pieces: %w", err)
	}
	return result, nil
}

// recordPartial registers the pieces a failed transfer already moved, so they
// reconcile as SYNC instead of diverging from their remote copies. The write
// outlives ctx: a cancelled request must not leave them unregistered. No
// cooldown token is taken, so the remainder can be retried at once.
func (g *Gateway) recordPartial(ctx context.Context, op string, done map[bsync.PieceType]bsync.Descriptor) {
	if len(done) == 0 {
		return
	}
	if err := g.registry.RecordLocalDescriptors(context.WithoutCancel(ctx), done); err != nil {
		g.logger.Error("recording pieces of a failed "+op, "error", err)
		return
	}
	g.logger.Warn(op+" failed partway; completed pieces recorded", "pieces", len(done))
}

func (g *Gateway) unlock() (DecryptionContext, error) {
	if g.passphrase == nil {
		return nil, bsync.Errorf(bsync.KindInvalidCredentials, "no passphrase provided")
	}
	pass, err := g.passphrase()
	if err != nil {
		return nil, bsync.NewError(bsync.KindInvalidCredentials, fmt.Errorf("reading passphrase: %w", err))
	}
	if pass == "" {
		return nil, bsync.Errorf(bsync.KindInvalidCredentials, "no passphrase provided")
	}
	dec, err := g.encryptor.Unlock(pass)
	if err != nil {
		return nil, bsync.NewError(bsync.KindInvalidCredentials, err)
	}
	return dec, nil
}

// shouldImport skips pieces already imported or not newer than the
// registered copy. Local changes on a newer remote are a conflict unless forced.
func (g *Gateway) shouldImport(ctx context.Context, t bsync.PieceType, locals map[bsync.PieceType]bsync.Descriptor, force bool) (bool, error) {
	remote, err := g.vault.Describe(ctx, g.namespace, t)
	if err != nil {
		return false, bsync.NewError(bsync.KindNetwork, fmt.Errorf("describing remote %s: %w", t, err))
	}
	if remote == nil {
		return false, nil
	}

	local, registered := locals[t]
	if registered && (remote.ID == local.ID || !remote.Date.After(local.Date)) {
		g.logger.Debug("skipping import: local copy is current", "type", string(t))
		return false, nil
	}

	obs, err := g.observe(t, locals)
	if err != nil {
		return false, err
	}
	if obs.HasLocalChanges && !force {
		g.logger.Warn("import conflict: remote is newer but local has changes", "type", string(t))
		return false, bsync.Errorf(bsync.KindConflict, "remote %s is newer but local data changed", t)
	}
	return true, nil
}

func syncedSnapshot(d bsync.Descriptor) bsync.PieceSnapshot {
	local, remote := d, d
	return bsync.PieceSnapshot{
		Local:      &local,
		Remote:     &remote,
		Status:     bsync.StatusSync,
		LastUpdate: d.Date,
	}
}
