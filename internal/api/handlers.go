package api

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/prooflink/prooflink/internal/metrics"
	"github.com/prooflink/prooflink/internal/storage"
)

// publishCallbackRequest mirrors the on-chain CallbackRequest event for
// clients that publish directly over REST. Byte fields are 0x-hex encoded.
type publishCallbackRequest struct {
	Account          string `json:"account"`
	ImageID          string `json:"image_id" binding:"required"`
	Input            string `json:"input"`
	CallbackContract string `json:"callback_contract" binding:"required"`
	FunctionSelector string `json:"function_selector" binding:"required"`
	GasLimit         uint64 `json:"gas_limit" binding:"required"`
}

func (r *publishCallbackRequest) toOrigin() (storage.CallbackRequest, error) {
	var origin storage.CallbackRequest

	if r.Account != "" {
		if !common.IsHexAddress(r.Account) {
			return origin, errors.New("account is not a hex address")
		}
		origin.Account = common.HexToAddress(r.Account)
	}
	if !common.IsHexAddress(r.CallbackContract) {
		return origin, errors.New("callback_contract is not a hex address")
	}
	origin.CallbackContract = common.HexToAddress(r.CallbackContract)

	imageID, err := hexutil.Decode(r.ImageID)
	if err != nil || len(imageID) != common.HashLength {
		return origin, errors.New("image_id must be a 32-byte hex string")
	}
	origin.ImageID = common.BytesToHash(imageID)

	selector, err := hexutil.Decode(r.FunctionSelector)
	if err != nil || len(selector) != 4 {
		return origin, errors.New("function_selector must be a 4-byte hex string")
	}
	copy(origin.FunctionSelector[:], selector)

	if r.Input != "" {
		input, err := hexutil.Decode(r.Input)
		if err != nil {
			return origin, errors.New("input must be a hex string")
		}
		origin.Input = input
	}

	origin.GasLimit = r.GasLimit
	return origin, nil
}

// handlePublishCallback accepts a callback request off-chain. It follows the
// same path as an on-chain event: submit the job, record it Pending, wake
// the pending manager.
func (s *Server) handlePublishCallback(c *gin.Context) {
	var req publishCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	origin, err := req.toOrigin()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	id, err := s.client.Submit(ctx, origin.ImageID, origin.Input)
	if err != nil {
		s.log.Error("Failed to submit proving job", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "submit_failed",
			"message": "proving service rejected the job",
		})
		return
	}

	if err := s.store.Insert(ctx, id, origin); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_request",
				"message": "request id already tracked",
			})
			return
		}
		s.log.Error("Failed to store request", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to store request",
		})
		return
	}

	metrics.RequestsAccepted.Inc()
	s.newWork.Notify()
	s.log.Info("Callback request published", "id", id,
		"callback_contract", origin.CallbackContract.Hex())

	c.JSON(http.StatusCreated, gin.H{
		"id":    id,
		"state": storage.StatePending.String(),
	})
}

// handleGetRequest reports the tracked state of one request. A request that
// reached the terminal state is removed, so it reports not found.
func (s *Server) handleGetRequest(c *gin.Context) {
	id := c.Param("id")

	state, err := s.store.GetState(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "request is not tracked; it may have completed",
			})
			return
		}
		s.log.Error("Failed to load request", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to load request",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":    id,
		"state": state.String(),
	})
}
