package gin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/challenge"
	"github.com/x402-foundation/paygate/gate"
	paidhttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/store"
)

const internalErrorMessage = "An internal server error occurred"

type authRequest struct {
	NFCID string `json:"nfcId" binding:"required"`
}

type userView struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress"`
}

type authResponse struct {
	Token     string   `json:"token"`
	IsNewUser bool     `json:"isNewUser"`
	User      userView `json:"user"`
}

func (s *Server) handleAuthNFC(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nfcId is required"})
		return
	}

	res, err := s.deps.Auth.Authenticate(c.Request.Context(), req.NFCID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAuthentication(res.IsNewUser)
	}

	token, err := s.deps.Sessions.Issue(res.User)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.IsNewUser {
		status = http.StatusCreated
	}
	c.JSON(status, authResponse{
		Token:     token,
		IsNewUser: res.IsNewUser,
		User:      userView{ID: res.User.ID, WalletAddress: res.User.WalletAddress},
	})
}

func (s *Server) handleAccess(c *gin.Context) {
	decision, err := s.deps.Gate.CheckAccess(c.Request.Context(), userID(c), c.Param("id"), c.GetHeader(paygate.HeaderPayment))
	if err != nil {
		s.writeError(c, err)
		return
	}

	switch decision.Outcome {
	case gate.Granted:
		if decision.Settlement != nil {
			header, err := paygate.EncodePaymentResponseHeader(*decision.Settlement)
			if err != nil {
				s.writeError(c, err)
				return
			}
			c.Header(paygate.HeaderPaymentResponse, header)
		}
		c.JSON(http.StatusOK, gin.H{"content": decision.Content})
	case gate.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
	default:
		c.JSON(http.StatusPaymentRequired, paygate.PaymentRequired{
			X402Version: paygate.X402Version,
			Error:       "X-PAYMENT header is required",
			Accepts:     []paygate.PaymentRequirements{*decision.Challenge},
		})
	}
}

type createResourceRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Content     string `json:"content" binding:"required"`
	Price       string `json:"price" binding:"required"`
	Currency    string `json:"currency"`
}

func (s *Server) handleCreateResource(c *gin.Context) {
	var req createResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, content and price are required"})
		return
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USDC"
	}
	asset, err := s.deps.Network.Asset(currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": paygate.UserMessage(err)})
		return
	}
	if _, err := challenge.ToSmallestUnit(req.Price, asset.Decimals); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, ok := s.currentUser(c)
	if !ok {
		return
	}

	res, err := s.deps.Resources.Create(c.Request.Context(), store.Resource{
		ID:          store.NewID(),
		OwnerID:     u.ID,
		Name:        req.Name,
		Description: req.Description,
		Price:       strings.TrimSpace(req.Price),
		Currency:    currency,
		PayTo:       u.WalletAddress,
		Content:     req.Content,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) handleListResources(c *gin.Context) {
	list, err := s.deps.Resources.ListByOwner(c.Request.Context(), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []store.Resource{}
	}
	c.JSON(http.StatusOK, gin.H{"resources": list})
}

func (s *Server) handlePurchase(c *gin.Context) {
	if s.deps.Purchaser == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "custodial purchases are disabled"})
		return
	}
	u, ok := s.currentUser(c)
	if !ok {
		return
	}

	res, err := s.deps.Purchaser.Purchase(c.Request.Context(), *u, c.Param("id"), c.GetString(ctxToken))
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "custodial purchase failed",
			"user_id", u.ID, "resource_id", c.Param("id"), "error", err)
		out := gin.H{"error": paygate.UserMessage(err)}
		if code := paygate.ErrorCode(err); code != "" {
			out["code"] = code
		}
		c.JSON(purchaseStatus(err), out)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		s.writeError(c, err)
		return
	}

	out := gin.H{"content": body.Content}
	if res.Settlement != nil {
		out["txHash"] = res.Settlement.Reference()
	}
	c.JSON(http.StatusOK, out)
}

// purchaseStatus maps a failed purchase onto the status returned to the
// caller.
func purchaseStatus(err error) int {
	var oe *paygate.OnChainError
	if errors.As(err, &oe) {
		switch oe.Kind {
		case paygate.InsufficientFunds:
			return http.StatusPaymentRequired
		case paygate.NonceConflict:
			return http.StatusConflict
		case paygate.Timeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}

	var se *paidhttp.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return http.StatusNotFound
	}
	if errors.Is(err, paygate.ErrInternal) {
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

type balanceView struct {
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
	Raw     string `json:"raw"`
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.deps.Balances == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "balance lookups are disabled"})
		return
	}
	u, ok := s.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	native, err := s.deps.Balances.NativeBalance(ctx, u.WalletAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	nativeFmt, err := challenge.FromSmallestUnit(native.String(), paygate.NativeDecimals)
	if err != nil {
		s.writeError(c, err)
		return
	}

	tokens := make([]balanceView, 0, len(s.deps.Network.Assets))
	for _, asset := range s.deps.Network.Assets {
		raw, decimals, err := s.deps.Balances.TokenBalance(ctx, asset.Address, u.WalletAddress)
		if err != nil {
			s.writeError(c, err)
			return
		}
		formatted, err := challenge.FromSmallestUnit(raw.String(), int32(decimals))
		if err != nil {
			s.writeError(c, err)
			return
		}
		tokens = append(tokens, balanceView{Symbol: asset.Symbol, Balance: formatted, Raw: raw.String()})
	}

	c.JSON(http.StatusOK, gin.H{
		"address": u.WalletAddress,
		"network": s.deps.Network.Name,
		"native": balanceView{
			Symbol:  s.deps.Network.NativeSymbol,
			Balance: nativeFmt,
			Raw:     native.String(),
		},
		"tokens": tokens,
	})
}

func (s *Server) handlePrivateKey(c *gin.Context) {
	if s.deps.Custodian == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "key export is disabled"})
		return
	}
	u, ok := s.currentUser(c)
	if !ok {
		return
	}

	key, err := s.deps.Custodian.PrivateKey(*u)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.InfoContext(c.Request.Context(), "private key exported", "user_id", u.ID)
	c.JSON(http.StatusOK, gin.H{
		"address":    u.WalletAddress,
		"privateKey": key,
	})
}

// currentUser loads the authenticated user. A token whose user no longer
// exists is treated as unauthorized.
func (s *Server) currentUser(c *gin.Context) (*store.User, bool) {
	u, err := s.deps.Users.GetByID(c.Request.Context(), userID(c))
	if errors.Is(err, paygate.ErrNotFound) {
		abortUnauthorized(c)
		return nil, false
	}
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return u, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, paygate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
	case errors.Is(err, paygate.ErrUnauthorized):
		abortUnauthorized(c)
	case errors.Is(err, paygate.ErrInvalidCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": "nfcId is required"})
	default:
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"route", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
	}
}
