package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowmesh/flowmesh/types"
)

// GormStore is the relational Store. The dialector is chosen by the
// caller: glebarez/sqlite for development, gorm.io/driver/postgres for
// production.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

type executionRow struct {
	ExecutionID string `gorm:"primaryKey;size:36"`
	FlowID      string `gorm:"size:64;index"`
	TenantID    string `gorm:"size:64;index:idx_executions_tenant_status"`
	Status      string `gorm:"size:16;index:idx_executions_tenant_status"`
	InputData   []byte
	OutputData  []byte
	Error       []byte
	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (executionRow) TableName() string { return "executions" }

type nodeResultRow struct {
	ExecutionID string `gorm:"primaryKey;size:36;index:idx_node_results_exec_node"`
	NodeID      string `gorm:"primaryKey;size:128;index:idx_node_results_exec_node"`
	Iteration   int    `gorm:"primaryKey"`
	AgentID     string `gorm:"size:128"`
	Status      string `gorm:"size:16"`
	Input       []byte
	Output      []byte
	Error       []byte
	Attempts    int
	CostUSD     *float64
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (nodeResultRow) TableName() string { return "node_results" }

type agentMessageRow struct {
	MessageID   string `gorm:"primaryKey;size:36"`
	ExecutionID string `gorm:"size:36;index"`
	FromNode    string `gorm:"size:128"`
	ToNode      string `gorm:"size:128"`
	Payload     []byte
	CreatedAt   time.Time `gorm:"index"`
}

func (agentMessageRow) TableName() string { return "agent_messages" }

type flowRow struct {
	FlowID     string `gorm:"primaryKey;size:64"`
	TenantID   string `gorm:"primaryKey;size:64"`
	Version    string `gorm:"size:32"`
	Definition []byte
	UpdatedAt  time.Time
}

func (flowRow) TableName() string { return "flows" }

type agentRow struct {
	AgentID      string `gorm:"primaryKey;size:128;index"`
	TenantID     string `gorm:"primaryKey;size:64"`
	Record       []byte
	Capabilities string `gorm:"index"`
	UpdatedAt    time.Time
}

func (agentRow) TableName() string { return "agents" }

// NewGormStore wraps an open gorm handle and ensures the schema exists.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&executionRow{}, &nodeResultRow{}, &agentMessageRow{}, &flowRow{}, &agentRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_store"))}, nil
}

func marshal(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalError(data []byte) *types.Error {
	if len(data) == 0 {
		return nil
	}
	var e types.Error
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	return &e
}

func storeErr(op string, err error) error {
	return types.Errorf(types.ErrStoreUnavailable, "%s failed", op).WithCause(err).WithRetryable(true)
}

// CreateExecution implements Store.
func (s *GormStore) CreateExecution(ctx context.Context, ec *types.ExecutionContext) error {
	row := executionRow{
		ExecutionID: ec.ExecutionID.String(),
		FlowID:      ec.FlowID,
		TenantID:    ec.TenantID,
		Status:      string(ec.Status),
		InputData:   marshal(ec.InputData),
		CreatedAt:   ec.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return storeErr("create execution", err)
	}
	return nil
}

// GetExecution implements Store.
func (s *GormStore) GetExecution(ctx context.Context, id uuid.UUID, tenantID string) (*types.ExecutionContext, error) {
	var row executionRow
	err := s.db.WithContext(ctx).First(&row, "execution_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("execution")
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	if !visible(row.TenantID, tenantID) {
		return nil, notFound("execution")
	}
	return rowToExecution(&row), nil
}

func rowToExecution(row *executionRow) *types.ExecutionContext {
	id, _ := uuid.Parse(row.ExecutionID)
	return &types.ExecutionContext{
		ExecutionID: id,
		FlowID:      row.FlowID,
		TenantID:    row.TenantID,
		Status:      types.ExecutionStatus(row.Status),
		InputData:   unmarshalMap(row.InputData),
		OutputData:  unmarshalMap(row.OutputData),
		Error:       unmarshalError(row.Error),
		CreatedAt:   row.CreatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
}

// Transition implements Store. The compare-and-set is one UPDATE guarded
// on the set of states the target is legally reachable from.
func (s *GormStore) Transition(ctx context.Context, id uuid.UUID, next types.ExecutionStatus, fields *TransitionFields) error {
	var from []string
	for _, prev := range []types.ExecutionStatus{types.StatusPending, types.StatusRunning} {
		if prev.CanTransition(next) {
			from = append(from, string(prev))
		}
	}

	updates := map[string]any{"status": string(next)}
	ts := now()
	switch next {
	case types.StatusRunning:
		updates["started_at"] = &ts
	case types.StatusSucceeded, types.StatusFailed, types.StatusCancelled:
		updates["completed_at"] = &ts
	}
	if fields != nil {
		if fields.Output != nil {
			updates["output_data"] = marshal(fields.Output)
		}
		if fields.Error != nil {
			updates["error"] = marshal(fields.Error)
		}
	}

	res := s.db.WithContext(ctx).Model(&executionRow{}).
		Where("execution_id = ? AND status IN ?", id.String(), from).
		Updates(updates)
	if res.Error != nil {
		return storeErr("transition execution", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Distinguish not-found, replay, terminal, and illegal transitions.
	var row executionRow
	err := s.db.WithContext(ctx).Select("status").First(&row, "execution_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound("execution")
	}
	if err != nil {
		return storeErr("transition execution", err)
	}
	current := types.ExecutionStatus(row.Status)
	if current == next {
		return nil
	}
	if current.Terminal() {
		return types.Errorf(types.ErrAlreadyTerminal, "execution is %s", current)
	}
	return types.Errorf(types.ErrInvalidTransition, "%s -> %s", current, next)
}

// ListExecutions implements Store.
func (s *GormStore) ListExecutions(ctx context.Context, tenantID string, f ExecutionFilters, p Page) ([]*types.ExecutionContext, error) {
	q := s.db.WithContext(ctx).Model(&executionRow{}).
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Order("created_at DESC").
		Limit(p.limit()).
		Offset(p.Offset)
	if f.FlowID != "" {
		q = q.Where("flow_id = ?", f.FlowID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}

	var rows []executionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, storeErr("list executions", err)
	}

	out := make([]*types.ExecutionContext, len(rows))
	for i := range rows {
		out[i] = rowToExecution(&rows[i])
	}
	return out, nil
}

// UpsertNodeResult implements Store.
func (s *GormStore) UpsertNodeResult(ctx context.Context, result *types.NodeResult) error {
	row := nodeResultRow{
		ExecutionID: result.ExecutionID.String(),
		NodeID:      result.NodeID,
		Iteration:   result.Iteration,
		AgentID:     result.AgentID,
		Status:      string(result.Status),
		Input:       marshal(result.Input),
		Output:      marshal(result.Output),
		Error:       marshal(result.Error),
		Attempts:    result.Attempts,
		CostUSD:     result.CostUSD,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "execution_id"}, {Name: "node_id"}, {Name: "iteration"}},
		// Attempts never decrease: keep the larger of the stored and new values.
		DoUpdates: append(clause.AssignmentColumns([]string{
			"agent_id", "status", "input", "output", "error", "cost_usd", "started_at", "completed_at",
		}), clause.Assignment{
			Column: clause.Column{Name: "attempts"},
			Value:  gorm.Expr("CASE WHEN excluded.attempts > node_results.attempts THEN excluded.attempts ELSE node_results.attempts END"),
		}),
	}).Create(&row).Error
	if err != nil {
		return storeErr("upsert node result", err)
	}
	return nil
}

// GetNodeResults implements Store.
func (s *GormStore) GetNodeResults(ctx context.Context, executionID uuid.UUID) ([]*types.NodeResult, error) {
	var rows []nodeResultRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID.String()).
		Order("started_at, node_id, iteration").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("get node results", err)
	}

	out := make([]*types.NodeResult, len(rows))
	for i, row := range rows {
		id, _ := uuid.Parse(row.ExecutionID)
		out[i] = &types.NodeResult{
			ExecutionID: id,
			NodeID:      row.NodeID,
			Iteration:   row.Iteration,
			AgentID:     row.AgentID,
			Status:      types.ExecutionStatus(row.Status),
			Input:       unmarshalMap(row.Input),
			Output:      unmarshalMap(row.Output),
			Error:       unmarshalError(row.Error),
			Attempts:    row.Attempts,
			CostUSD:     row.CostUSD,
			StartedAt:   row.StartedAt,
			CompletedAt: row.CompletedAt,
		}
	}
	return out, nil
}

// AppendMessage implements Store.
func (s *GormStore) AppendMessage(ctx context.Context, msg *types.AgentMessage) error {
	row := agentMessageRow{
		MessageID:   msg.MessageID.String(),
		ExecutionID: msg.ExecutionID.String(),
		FromNode:    msg.FromNode,
		ToNode:      msg.ToNode,
		Payload:     marshal(msg.Payload),
		CreatedAt:   msg.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return storeErr("append message", err)
	}
	return nil
}

// GetMessages implements Store.
func (s *GormStore) GetMessages(ctx context.Context, executionID uuid.UUID) ([]*types.AgentMessage, error) {
	var rows []agentMessageRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID.String()).
		Order("created_at, message_id").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("get messages", err)
	}

	out := make([]*types.AgentMessage, len(rows))
	for i, row := range rows {
		msgID, _ := uuid.Parse(row.MessageID)
		execID, _ := uuid.Parse(row.ExecutionID)
		out[i] = &types.AgentMessage{
			MessageID:   msgID,
			ExecutionID: execID,
			FromNode:    row.FromNode,
			ToNode:      row.ToNode,
			Payload:     unmarshalMap(row.Payload),
			CreatedAt:   row.CreatedAt,
		}
	}
	return out, nil
}

// Metrics implements Store.
func (s *GormStore) Metrics(ctx context.Context, tenantID string) (*types.Metrics, error) {
	m := &types.Metrics{}

	type statusCount struct {
		Status string
		N      int64
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&executionRow{}).
		Select("status, count(*) as n").
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, storeErr("metrics", err)
	}

	for _, c := range counts {
		m.TotalExecutions += c.N
		switch types.ExecutionStatus(c.Status) {
		case types.StatusSucceeded:
			m.SucceededExecutions = c.N
		case types.StatusFailed:
			m.FailedExecutions = c.N
		case types.StatusCancelled:
			m.CancelledExecutions = c.N
		case types.StatusRunning:
			m.RunningExecutions = c.N
		}
	}

	var rows []executionRow
	err = s.db.WithContext(ctx).
		Select("started_at, completed_at, created_at").
		Where("(tenant_id = ? OR tenant_id = '') AND completed_at IS NOT NULL", tenantID).
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("metrics", err)
	}

	var totalMillis float64
	var finished int64
	for _, row := range rows {
		if row.StartedAt != nil && row.CompletedAt != nil {
			totalMillis += float64(row.CompletedAt.Sub(*row.StartedAt).Milliseconds())
			finished++
		}
		if m.LastExecutionAt == nil || row.CreatedAt.After(*m.LastExecutionAt) {
			at := row.CreatedAt
			m.LastExecutionAt = &at
		}
	}
	if finished > 0 {
		m.AverageDurationMilli = totalMillis / float64(finished)
	}
	return m, nil
}

// SaveFlow implements Store.
func (s *GormStore) SaveFlow(ctx context.Context, def *types.FlowDefinition) error {
	row := flowRow{
		FlowID:     def.FlowID,
		TenantID:   def.TenantID,
		Version:    def.Version,
		Definition: marshal(def),
		UpdatedAt:  now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "flow_id"}, {Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return storeErr("save flow", err)
	}
	return nil
}

// DeleteFlow implements Store.
func (s *GormStore) DeleteFlow(ctx context.Context, flowID, tenantID string) error {
	res := s.db.WithContext(ctx).
		Where("flow_id = ? AND tenant_id = ?", flowID, tenantID).
		Delete(&flowRow{})
	if res.Error != nil {
		return storeErr("delete flow", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("flow")
	}
	return nil
}

// ListFlows implements Store.
func (s *GormStore) ListFlows(ctx context.Context, tenantID string) ([]*types.FlowDefinition, error) {
	var rows []flowRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Order("flow_id").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list flows", err)
	}

	var out []*types.FlowDefinition
	seen := make(map[string]bool)
	for _, row := range rows {
		if seen[row.FlowID] {
			continue
		}
		var def types.FlowDefinition
		if err := json.Unmarshal(row.Definition, &def); err != nil {
			s.logger.Warn("skipping undecodable flow row", zap.String("flow_id", row.FlowID), zap.Error(err))
			continue
		}
		seen[row.FlowID] = true
		out = append(out, &def)
	}
	return out, nil
}

// SaveAgent implements Store.
func (s *GormStore) SaveAgent(ctx context.Context, rec *types.AgentRecord) error {
	caps, _ := json.Marshal(rec.Capabilities)
	row := agentRow{
		AgentID:      rec.AgentID,
		TenantID:     rec.OwnerTenant,
		Record:       marshal(rec),
		Capabilities: string(caps),
		UpdatedAt:    now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return storeErr("save agent", err)
	}
	return nil
}

// DeleteAgent implements Store.
func (s *GormStore) DeleteAgent(ctx context.Context, agentID, tenantID string) error {
	res := s.db.WithContext(ctx).
		Where("agent_id = ? AND tenant_id = ?", agentID, tenantID).
		Delete(&agentRow{})
	if res.Error != nil {
		return storeErr("delete agent", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("agent")
	}
	return nil
}

// ListAgents implements Store.
func (s *GormStore) ListAgents(ctx context.Context, tenantID string) ([]*types.AgentRecord, error) {
	var rows []agentRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Order("agent_id").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list agents", err)
	}

	var out []*types.AgentRecord
	seen := make(map[string]bool)
	for _, row := range rows {
		if seen[row.AgentID] {
			continue
		}
		var rec types.AgentRecord
		if err := json.Unmarshal(row.Record, &rec); err != nil {
			continue
		}
		seen[row.AgentID] = true
		out = append(out, &rec)
	}
	return out, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return storeErr("ping", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
