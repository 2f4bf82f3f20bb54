package repo

import (
	"context"
	"fmt"

	"github.com/vpnpower/server/internal/model"
)

// NodeRepo defines the interface for proxy node repository operations
type NodeRepo interface {
	ListActive(ctx context.Context) ([]model.ProxyNode, error)
	Upsert(ctx context.Context, node model.ProxyNode) (model.ProxyNode, error)
}

type nodeRepo struct {
	db DBTX
}

// NewNodeRepo creates a new NodeRepo instance
func NewNodeRepo(db DBTX) NodeRepo {
	return &nodeRepo{db: db}
}

const nodeColumns = `
	id, name, region, country_code, host, port, reality_public_key, short_id,
	sni, flow, fingerprint, priority, active, created_at, updated_at`

func scanNode(row rowScanner) (model.ProxyNode, error) {
	var n model.ProxyNode
	err := row.Scan(
		&n.ID,
		&n.Name,
		&n.Region,
		&n.CountryCode,
		&n.Host,
		&n.Port,
		&n.RealityPublicKey,
		&n.ShortID,
		&n.SNI,
		&n.Flow,
		&n.Fingerprint,
		&n.Priority,
		&n.Active,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	return n, err
}

// ListActive returns active nodes ordered by priority desc, id asc
func (r *nodeRepo) ListActive(ctx context.Context) ([]model.ProxyNode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM proxy_nodes
		WHERE active
		ORDER BY priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.ProxyNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	return nodes, nil
}

// Upsert creates or updates a node keyed by host:port
func (r *nodeRepo) Upsert(ctx context.Context, node model.ProxyNode) (model.ProxyNode, error) {
	saved, err := scanNode(r.db.QueryRowContext(ctx, `
		INSERT INTO proxy_nodes (name, region, country_code, host, port, reality_public_key, short_id,
		                         sni, flow, fingerprint, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (host, port) DO UPDATE SET
			name               = EXCLUDED.name,
			region             = EXCLUDED.region,
			country_code       = EXCLUDED.country_code,
			reality_public_key = EXCLUDED.reality_public_key,
			short_id           = EXCLUDED.short_id,
			sni                = EXCLUDED.sni,
			flow               = EXCLUDED.flow,
			fingerprint        = EXCLUDED.fingerprint,
			priority           = EXCLUDED.priority,
			active             = EXCLUDED.active,
			updated_at         = now()
		RETURNING `+nodeColumns,
		node.Name, node.Region, node.CountryCode, node.Host, node.Port, node.RealityPublicKey, node.ShortID,
		node.SNI, node.Flow, node.Fingerprint, node.Priority, node.Active))
	if err != nil {
		return model.ProxyNode{}, fmt.Errorf("upsert node: %w", err)
	}
	return saved, nil
}
