// Package dbverify implements the Database Verifier (C5): a direct,
// optional connection to the shared job database used to resolve
// ownership ambiguity the Gateway Client can't settle on its own.
// Grounded on the teacher's database/sql + lib/pq usage in
// handlers/analytics/user_end.go (positional $N placeholders, a nil
// *sql.DB meaning "not configured" rather than an error).
package dbverify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/livepeer/encoder-worker/internal/job"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

// Client is the Database Verifier. A nil-db Client (constructed with an
// empty connection string) is valid and every method returns
// xerrors.ErrNotEnabled, per spec.md §4.2's "present only when enabled"
// contract.
type Client struct {
	db        *sql.DB
	enabled   bool
	connected bool
}

// New opens a connection to connString. An empty connString yields a
// disabled Client rather than an error, since Database Verifier support
// is optional configuration.
func New(connString string) (*Client, error) {
	if connString == "" {
		return &Client{}, nil
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Client{db: db, enabled: true, connected: true}, nil
}

// Enabled reports whether this Client was configured with a connection
// string, letting a caller skip straight past C5-dependent branches
// rather than round-tripping a query to discover it's disabled.
func (c *Client) Enabled() bool {
	return c.enabled
}

func (c *Client) checkEnabled() error {
	if !c.enabled {
		return xerrors.ErrNotEnabled
	}
	if !c.connected {
		return xerrors.ErrConnectionLost
	}
	return nil
}

func (c *Client) markConnLost(err error) error {
	if err == sql.ErrConnDone || err == sql.ErrTxDone {
		c.connected = false
		return xerrors.ErrConnectionLost
	}
	return err
}

// OwnershipResult is VerifyOwnership's answer.
type OwnershipResult struct {
	Exists      bool
	IsOwned     bool
	ActualOwner string
	Status      string
	Raw         map[string]interface{}
}

// VerifyOwnership reports whether ourDID currently owns job id,
// canonicalizing both the stored and provided DID before comparing per
// spec.md §4.2's normalization rule.
func (c *Client) VerifyOwnership(ctx context.Context, id, ourDID string) (OwnershipResult, error) {
	if err := c.checkEnabled(); err != nil {
		return OwnershipResult{}, err
	}

	row := c.db.QueryRowContext(ctx, `SELECT assigned_to, status FROM jobs WHERE id = $1`, id)
	var assignedTo, status sql.NullString
	if err := row.Scan(&assignedTo, &status); err != nil {
		if err == sql.ErrNoRows {
			return OwnershipResult{Exists: false}, nil
		}
		return OwnershipResult{}, c.markConnLost(fmt.Errorf("verifying ownership of %s: %w", id, err))
	}

	normalizedActual := NormalizeDID(assignedTo.String)
	normalizedOurs := NormalizeDID(ourDID)
	if assignedTo.String != "" && normalizedActual != assignedTo.String {
		xlog.Log(id, "DID format inconsistency observed", "raw", assignedTo.String, "normalized", normalizedActual)
	}

	return OwnershipResult{
		Exists:      true,
		IsOwned:     normalizedActual == normalizedOurs,
		ActualOwner: normalizedActual,
		Status:      status.String,
		Raw: map[string]interface{}{
			"assigned_to": assignedTo.String,
			"status":      status.String,
		},
	}, nil
}

// GetJobDetails fetches the full job document. A nil Job with a nil
// error means the job id doesn't exist.
func (c *Client) GetJobDetails(ctx context.Context, id string) (*job.Job, error) {
	if err := c.checkEnabled(); err != nil {
		return nil, err
	}

	row := c.db.QueryRowContext(ctx, `
		SELECT id, status, assigned_to, input, metadata, result, progress
		FROM jobs WHERE id = $1`, id)

	var (
		dbID, status, assignedTo                    sql.NullString
		inputRaw, metadataRaw, resultRaw, progressRaw []byte
	)
	if err := row.Scan(&dbID, &status, &assignedTo, &inputRaw, &metadataRaw, &resultRaw, &progressRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, c.markConnLost(fmt.Errorf("fetching job %s: %w", id, err))
	}

	j := &job.Job{ID: dbID.String, Origin: job.OriginGateway, Status: job.Status(status.String)}

	var input struct {
		URI string `json:"uri"`
	}
	if len(inputRaw) > 0 {
		_ = json.Unmarshal(inputRaw, &input)
		j.InputURI = input.URI
	}

	var metadata struct {
		VideoOwner    string `json:"video_owner"`
		VideoPermlink string `json:"video_permlink"`
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &metadata)
		j.Metadata = job.Metadata{Owner: metadata.VideoOwner, Permlink: metadata.VideoPermlink}
	}

	var result struct {
		CID string `json:"cid"`
	}
	if len(resultRaw) > 0 {
		_ = json.Unmarshal(resultRaw, &result)
		j.ResultCID = result.CID
	}

	var progress struct {
		Pct int `json:"pct"`
	}
	if len(progressRaw) > 0 {
		_ = json.Unmarshal(progressRaw, &progress)
		j.ProgressPercent = float64(progress.Pct)
	}

	return j, nil
}

// allowedPatchFields is the whitelist UpdateJob's dynamic SET clause is
// restricted to, so an arbitrary-field patch request can never write to
// a column it wasn't meant to touch.
var allowedPatchFields = map[string]bool{
	"status":       true,
	"assigned_to":  true,
	"last_pinged":  true,
	"completed_at": true,
	"result":       true,
	"progress":     true,
}

// UpdateJob applies an arbitrary field patch. Unknown keys are
// rejected rather than silently ignored.
func (c *Client) UpdateJob(ctx context.Context, id string, patch map[string]interface{}) error {
	if err := c.checkEnabled(); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	setClauses := ""
	args := []interface{}{}
	i := 1
	for field, value := range patch {
		if !allowedPatchFields[field] {
			return fmt.Errorf("update job: field %q is not patchable", field)
		}
		if i > 1 {
			setClauses += ", "
		}
		setClauses += fmt.Sprintf("%s = $%d", field, i)
		args = append(args, value)
		i++
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, setClauses, i)
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return c.markConnLost(fmt.Errorf("updating job %s: %w", id, err))
	}
	return nil
}

// ForceAssign sets assigned_to/status/assigned_date/last_pinged,
// used by C9's defensive takeover when a Claim fails for
// infrastructure reasons and the database shows the job unassigned.
func (c *Client) ForceAssign(ctx context.Context, id, ourDID string) error {
	if err := c.checkEnabled(); err != nil {
		return err
	}
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET assigned_to = $1, status = 'assigned', assigned_date = $2, last_pinged = $2
		WHERE id = $3`, ourDID, now, id)
	if err != nil {
		return c.markConnLost(fmt.Errorf("force-assigning job %s: %w", id, err))
	}
	return nil
}

// ForceComplete sets status=complete, completed_at=now, result.cid and
// progress=100, used when C9 determines a job finished but the
// Gateway's finishJob call couldn't be confirmed.
func (c *Client) ForceComplete(ctx context.Context, id, cid string) error {
	if err := c.checkEnabled(); err != nil {
		return err
	}
	resultJSON, _ := json.Marshal(map[string]string{"cid": cid})
	progressJSON, _ := json.Marshal(map[string]int{"pct": 100})

	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'complete', completed_at = $1, result = $2, progress = $3
		WHERE id = $4`, time.Now(), resultJSON, progressJSON, id)
	if err != nil {
		return c.markConnLost(fmt.Errorf("force-completing job %s: %w", id, err))
	}
	return nil
}

// Close releases the underlying database connection pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
