package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/allocation"
	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/internal/distribution"
	"github.com/terminal-bench/treasury/internal/multisig"
	"github.com/terminal-bench/treasury/internal/schedule"
	"github.com/terminal-bench/treasury/internal/treasury"
	"github.com/terminal-bench/treasury/internal/vault"
	"github.com/terminal-bench/treasury/pkg/messaging"
)

// Gateway exposes the treasury entry points and read views over HTTP, plus a
// websocket stream of movement events for the dashboard.
type Gateway struct {
	router    *gin.Engine
	treasury  *treasury.Treasury
	msgClient *messaging.Client
	jwtSecret string

	wsClients map[uuid.UUID]*wsClient
	wsMu      sync.RWMutex
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Claims carries the authenticated caller identity. Authorization itself is
// decided by the engines: the subject is handed down as the caller and checked
// against the signer, authority and approver sets there.
type Claims struct {
	jwt.RegisteredClaims
}

// Config holds gateway configuration.
type Config struct {
	JWTSecret string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewGateway builds the router. A nil messaging client disables the
// websocket movement stream.
func NewGateway(t *treasury.Treasury, msgClient *messaging.Client, cfg Config) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		treasury:  t,
		msgClient: msgClient,
		jwtSecret: cfg.JWTSecret,
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()

	if msgClient != nil {
		msgClient.Subscribe(messaging.SubjectMovementExecuted, func(msg *nats.Msg) {
			g.broadcast(msg.Data)
		})
	}
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := g.router.Group("/api/v1", g.authMiddleware())
	{
		v1.GET("/balance", g.getBalance)
		v1.POST("/deposits", g.deposit)

		v1.POST("/multisig/transactions", g.propose)
		v1.GET("/multisig/transactions/:id", g.getTransaction)
		v1.POST("/multisig/transactions/:id/confirm", g.confirm)
		v1.POST("/multisig/transactions/:id/revoke", g.revoke)
		v1.POST("/multisig/transactions/:id/execute", g.execute)
		v1.POST("/multisig/signers", g.addSigner)
		v1.DELETE("/multisig/signers/:id", g.removeSigner)
		v1.PUT("/multisig/threshold", g.setThreshold)

		v1.POST("/rules/allocations", g.createAllocationRule)
		v1.GET("/rules/allocations/eligible", g.eligibleAllocations)
		v1.GET("/rules/allocations/:id", g.getAllocationRule)
		v1.PUT("/rules/allocations/:id/active", g.setAllocationActive)
		v1.POST("/rules/allocations/execute", g.executeAllocations)
		v1.POST("/rules/allocations/execute-eligible", g.executeEligibleAllocations)

		v1.POST("/rules/distributions/time-based", g.createTimeBasedRule)
		v1.POST("/rules/distributions/balance-condition", g.createBalanceConditionRule)
		v1.POST("/rules/distributions/percentage-based", g.createPercentageBasedRule)
		v1.POST("/rules/distributions/batch", g.createBatchRule)
		v1.GET("/rules/distributions/eligible", g.eligibleDistributions)
		v1.GET("/rules/distributions/:id", g.getDistributionRule)
		v1.PUT("/rules/distributions/:id/active", g.setDistributionActive)
		v1.POST("/rules/distributions/execute", g.executeDistributions)
		v1.POST("/rules/distributions/execute-eligible", g.executeEligibleDistributions)

		v1.POST("/schedules", g.createSchedule)
		v1.GET("/schedules/due", g.dueSchedules)
		v1.GET("/schedules/:id", g.getSchedule)
		v1.PUT("/schedules/:id", g.updateSchedule)
		v1.POST("/schedules/execute", g.executeSchedules)

		v1.GET("/compliance/records/:id", g.getComplianceRecord)
		v1.PUT("/compliance/records/:id/status", g.updateComplianceStatus)
		v1.POST("/compliance/records/:id/reconcile", g.reconcileRecord)
		v1.GET("/compliance/recipients/:recipient/records", g.recipientRecords)
		v1.GET("/compliance/rules/:id/records", g.ruleRecords)
		v1.GET("/compliance/records", g.queryRecords)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Run starts the HTTP server.
func (g *Gateway) Run(addr string) error {
	return g.router.Run(addr)
}

// Handler returns the underlying handler, for embedding in an http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(g.jwtSecret), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := parsed.Claims.(*Claims)
		if !ok || !parsed.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller", claims.Subject)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString("caller")
}

// statusFor maps engine errors onto HTTP statuses: authorization failures to
// 403, unknown ids to 404, state and funds conflicts to 409, everything else
// to 400.
func statusFor(err error) int {
	switch {
	case errors.Is(err, multisig.ErrNotSigner),
		errors.Is(err, multisig.ErrNotAuthority),
		errors.Is(err, compliance.ErrNotApprover):
		return http.StatusForbidden
	case errors.Is(err, multisig.ErrTxNotFound),
		errors.Is(err, allocation.ErrRuleNotFound),
		errors.Is(err, distribution.ErrRuleNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, compliance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, multisig.ErrAlreadyExecuted),
		errors.Is(err, multisig.ErrAlreadyConfirmed),
		errors.Is(err, multisig.ErrThresholdNotMet),
		errors.Is(err, compliance.ErrAlreadyReconciled),
		errors.Is(err, vault.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// Balance and funding.

func (g *Gateway) getBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance": g.treasury.Balance().String()})
}

func (g *Gateway) deposit(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := g.treasury.Deposit(c.Request.Context(), amount); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": g.treasury.Balance().String()})
}

// Multisig handlers.

func (g *Gateway) propose(c *gin.Context) {
	var req struct {
		Recipient string `json:"recipient" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		Payload   string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	txID, err := g.treasury.Propose(c.Request.Context(), caller(c), req.Recipient, amount, []byte(req.Payload))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tx_id": txID})
}

func (g *Gateway) confirm(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	executed, err := g.treasury.Confirm(c.Request.Context(), caller(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_id": id, "executed": executed})
}

func (g *Gateway) revoke(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := g.treasury.Revoke(c.Request.Context(), caller(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_id": id})
}

func (g *Gateway) execute(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := g.treasury.Execute(c.Request.Context(), caller(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_id": id, "executed": true})
}

func (g *Gateway) getTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tx, err := g.treasury.Transaction(id)
	if err != nil {
		fail(c, err)
		return
	}
	confirmations := make([]string, 0, len(tx.Confirmations))
	for s := range tx.Confirmations {
		confirmations = append(confirmations, s)
	}
	c.JSON(http.StatusOK, gin.H{
		"tx_id":         tx.ID,
		"recipient":     tx.Recipient,
		"amount":        tx.Amount.String(),
		"confirmations": confirmations,
		"executed":      tx.Executed,
		"created_at":    tx.CreatedAt,
	})
}

func (g *Gateway) addSigner(c *gin.Context) {
	var req struct {
		Signer string `json:"signer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.treasury.AddSigner(c.Request.Context(), caller(c), req.Signer); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signer": req.Signer})
}

func (g *Gateway) removeSigner(c *gin.Context) {
	if err := g.treasury.RemoveSigner(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signer": c.Param("id")})
}

func (g *Gateway) setThreshold(c *gin.Context) {
	var req struct {
		Threshold int `json:"threshold" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.treasury.SetThreshold(c.Request.Context(), caller(c), req.Threshold); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": req.Threshold})
}

// Allocation handlers.

func (g *Gateway) createAllocationRule(c *gin.Context) {
	var req struct {
		Recipient   string `json:"recipient" binding:"required"`
		Kind        string `json:"kind" binding:"required"`
		Value       string `json:"value" binding:"required"`
		BudgetLimit string `json:"budget_limit"`
		Priority    int    `json:"priority"`
		CooldownSec int64  `json:"cooldown_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}
	budget := decimal.Zero
	if req.BudgetLimit != "" {
		if budget, err = parseAmount(req.BudgetLimit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid budget limit"})
			return
		}
	}
	id, err := g.treasury.CreateAllocationRule(c.Request.Context(), req.Recipient,
		allocation.Kind(req.Kind), value, budget, req.Priority, time.Duration(req.CooldownSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule_id": id})
}

func (g *Gateway) getAllocationRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := g.treasury.AllocationRule(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, allocationRuleView(rule))
}

func allocationRuleView(rule *allocation.Rule) gin.H {
	return gin.H{
		"rule_id":       rule.ID,
		"kind":          rule.Kind,
		"recipient":     rule.Recipient,
		"value":         rule.Value.String(),
		"budget_limit":  rule.BudgetLimit.String(),
		"spent":         rule.Spent.String(),
		"priority":      rule.Priority,
		"cooldown":      rule.Cooldown.String(),
		"last_executed": rule.LastExecuted,
		"active":        rule.Active,
	}
}

func (g *Gateway) setAllocationActive(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.treasury.SetAllocationRuleActive(c.Request.Context(), id, *req.Active); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": id, "active": *req.Active})
}

func (g *Gateway) eligibleAllocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rule_ids": g.treasury.EligibleAllocationRules()})
}

func (g *Gateway) executeAllocations(c *gin.Context) {
	var req struct {
		RuleIDs []uint64 `json:"rule_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	count, err := g.treasury.ExecuteAllocations(c.Request.Context(), caller(c), req.RuleIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": count})
}

func (g *Gateway) executeEligibleAllocations(c *gin.Context) {
	count, err := g.treasury.ExecuteAllEligibleAllocations(c.Request.Context(), caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": count})
}

// Distribution handlers.

func (g *Gateway) createTimeBasedRule(c *gin.Context) {
	var req struct {
		Recipient   string `json:"recipient" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		IntervalSec int64  `json:"interval_seconds" binding:"required"`
		MaxTotal    string `json:"max_total"`
		Priority    int    `json:"priority"`
		CooldownSec int64  `json:"cooldown_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	maxTotal, err := optionalAmount(req.MaxTotal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max total"})
		return
	}
	id, err := g.treasury.CreateTimeBasedDistributionRule(c.Request.Context(), req.Recipient, amount,
		time.Duration(req.IntervalSec)*time.Second, maxTotal, req.Priority, time.Duration(req.CooldownSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule_id": id})
}

func optionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (g *Gateway) createBalanceConditionRule(c *gin.Context) {
	var req struct {
		Recipient   string `json:"recipient" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		Comparator  string `json:"comparator" binding:"required"`
		Threshold   string `json:"threshold" binding:"required"`
		MaxTotal    string `json:"max_total"`
		Priority    int    `json:"priority"`
		CooldownSec int64  `json:"cooldown_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	threshold, err := parseAmount(req.Threshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
		return
	}
	maxTotal, err := optionalAmount(req.MaxTotal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max total"})
		return
	}
	id, err := g.treasury.CreateBalanceConditionDistributionRule(c.Request.Context(), req.Recipient, amount,
		distribution.Comparator(req.Comparator), threshold, maxTotal, req.Priority, time.Duration(req.CooldownSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule_id": id})
}

func (g *Gateway) createPercentageBasedRule(c *gin.Context) {
	var req struct {
		Recipient   string `json:"recipient" binding:"required"`
		BasisPoints string `json:"basis_points" binding:"required"`
		MaxTotal    string `json:"max_total"`
		Priority    int    `json:"priority"`
		CooldownSec int64  `json:"cooldown_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	bps, err := parseAmount(req.BasisPoints)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid basis points"})
		return
	}
	maxTotal, err := optionalAmount(req.MaxTotal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max total"})
		return
	}
	id, err := g.treasury.CreatePercentageBasedDistributionRule(c.Request.Context(), req.Recipient, bps,
		maxTotal, req.Priority, time.Duration(req.CooldownSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule_id": id})
}

func (g *Gateway) createBatchRule(c *gin.Context) {
	var req struct {
		Recipients  []string `json:"recipients" binding:"required"`
		Amounts     []string `json:"amounts"`
		Shares      []string `json:"shares"`
		MaxTotal    string   `json:"max_total"`
		Priority    int      `json:"priority"`
		CooldownSec int64    `json:"cooldown_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amounts, err := parseAmounts(req.Amounts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amounts"})
		return
	}
	shares, err := parseAmounts(req.Shares)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shares"})
		return
	}
	maxTotal, err := optionalAmount(req.MaxTotal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max total"})
		return
	}
	id, err := g.treasury.CreateBatchDistributionRule(c.Request.Context(), req.Recipients, amounts, shares,
		maxTotal, req.Priority, time.Duration(req.CooldownSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule_id": id})
}

func parseAmounts(in []string) ([]decimal.Decimal, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]decimal.Decimal, 0, len(in))
	for _, s := range in {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *Gateway) getDistributionRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := g.treasury.DistributionRule(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule_id":           rule.ID,
		"kind":              rule.Kind,
		"max_total":         rule.MaxTotal.String(),
		"distributed_total": rule.DistributedTotal.String(),
		"priority":          rule.Priority,
		"cooldown":          rule.Cooldown.String(),
		"last_executed":     rule.LastExecuted,
		"active":            rule.Active,
	})
}

func (g *Gateway) setDistributionActive(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.treasury.SetDistributionRuleActive(c.Request.Context(), id, *req.Active); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_id": id, "active": *req.Active})
}

func (g *Gateway) eligibleDistributions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rule_ids": g.treasury.EligibleDistributionRules()})
}

func (g *Gateway) executeDistributions(c *gin.Context) {
	var req struct {
		RuleIDs []uint64 `json:"rule_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	count, err := g.treasury.ExecuteDistributionRules(c.Request.Context(), caller(c), req.RuleIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": count})
}

func (g *Gateway) executeEligibleDistributions(c *gin.Context) {
	count, err := g.treasury.ExecuteAllEligibleDistributionRules(c.Request.Context(), caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": count})
}

// Schedule handlers.

func (g *Gateway) createSchedule(c *gin.Context) {
	var req struct {
		Recipient   string `json:"recipient" binding:"required"`
		Amount      string `json:"amount" binding:"required"`
		IntervalSec int64  `json:"interval_seconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	id, err := g.treasury.CreateScheduledDistribution(c.Request.Context(), req.Recipient, amount,
		time.Duration(req.IntervalSec)*time.Second)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule_id": id})
}

func (g *Gateway) dueSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedule_ids": g.treasury.DueScheduledDistributions()})
}

func (g *Gateway) getSchedule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sched, err := g.treasury.ScheduledDistribution(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schedule_id":       sched.ID,
		"recipient":         sched.Recipient,
		"amount":            sched.Amount.String(),
		"interval":          sched.Interval.String(),
		"next_due":          sched.NextDue,
		"total_distributed": sched.TotalDistributed.String(),
		"active":            sched.Active,
	})
}

func (g *Gateway) updateSchedule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := g.treasury.UpdateScheduledDistribution(c.Request.Context(), id, *req.Active); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule_id": id, "active": *req.Active})
}

func (g *Gateway) executeSchedules(c *gin.Context) {
	var req struct {
		ScheduleIDs []uint64 `json:"schedule_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	count, err := g.treasury.ExecuteScheduledDistributions(c.Request.Context(), caller(c), req.ScheduleIDs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": count})
}

// Compliance handlers.

func recordView(rec *compliance.Record) gin.H {
	return gin.H{
		"record_id":       rec.RecordID,
		"external_tx_ref": rec.ExternalTxRef,
		"internal_tx_ref": rec.InternalTxRef,
		"rule_id":         rec.RuleID,
		"source":          rec.Source,
		"recipient":       rec.Recipient,
		"amount":          rec.Amount.String(),
		"kyc_status":      rec.KYCStatus,
		"aml_status":      rec.AMLStatus,
		"timestamp":       rec.Timestamp,
		"sequence":        rec.Sequence,
		"executor":        rec.Executor,
		"gateway_tx_id":   rec.GatewayTxID,
		"transparency_id": rec.TransparencyID,
		"reconciled":      rec.Reconciled,
		"reconciled_at":   rec.ReconciledAt,
	}
}

func recordViews(recs []*compliance.Record) []gin.H {
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView(rec))
	}
	return out
}

func (g *Gateway) getComplianceRecord(c *gin.Context) {
	rec, err := g.treasury.ComplianceRecord(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recordView(rec))
}

func (g *Gateway) updateComplianceStatus(c *gin.Context) {
	var req struct {
		KYCStatus      string `json:"kyc_status" binding:"required"`
		AMLStatus      string `json:"aml_status" binding:"required"`
		GatewayTxID    string `json:"gateway_tx_id"`
		TransparencyID string `json:"transparency_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	err := g.treasury.UpdateComplianceStatus(c.Request.Context(), caller(c), c.Param("id"),
		compliance.Status(req.KYCStatus), compliance.Status(req.AMLStatus), req.GatewayTxID, req.TransparencyID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": c.Param("id")})
}

func (g *Gateway) reconcileRecord(c *gin.Context) {
	if err := g.treasury.ReconcileComplianceRecord(c.Request.Context(), caller(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": c.Param("id"), "reconciled": true})
}

func (g *Gateway) recipientRecords(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": recordViews(g.treasury.RecipientComplianceRecords(c.Param("recipient")))})
}

func (g *Gateway) ruleRecords(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recordViews(g.treasury.RuleComplianceRecords(id))})
}

// queryRecords filters by reconciliation state and/or time range.
func (g *Gateway) queryRecords(c *gin.Context) {
	if v := c.Query("reconciled"); v != "" {
		reconciled, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reconciled filter"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recordViews(g.treasury.ComplianceRecordsByReconciliation(reconciled))})
		return
	}

	start, err := parseTime(c.DefaultQuery("start", time.Time{}.Format(time.RFC3339)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
		return
	}
	end, err := parseTime(c.DefaultQuery("end", time.Now().Format(time.RFC3339)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recordViews(g.treasury.ComplianceRecordsInRange(start, end))})
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Websocket movement stream.

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.writePump(client)
	go g.readPump(client)
}

func (g *Gateway) writePump(client *wsClient) {
	defer client.conn.Close()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.dropClient(client)
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) readPump(client *wsClient) {
	defer g.dropClient(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) dropClient(client *wsClient) {
	g.wsMu.Lock()
	if _, ok := g.wsClients[client.id]; ok {
		delete(g.wsClients, client.id)
		close(client.done)
	}
	g.wsMu.Unlock()
}

func (g *Gateway) broadcast(msg []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.send <- msg:
		default:
			// Slow consumer, drop the frame rather than block the stream.
		}
	}
}
