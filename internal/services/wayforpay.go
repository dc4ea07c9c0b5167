package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/models"
)

// WayForPayService talks to the WayForPay merchant API: invoice creation for
// the hosted checkout redirect and CHECK_STATUS for webhook verification.
type WayForPayService struct {
	merchantAccount string
	merchantDomain  string
	secretKey       string
	apiURL          string
	returnURL       string
	serviceURL      string
	client          *http.Client
}

func NewWayForPayService(cfg config.WayForPay) *WayForPayService {
	return &WayForPayService{
		merchantAccount: cfg.MerchantAccount,
		merchantDomain:  cfg.MerchantDomain,
		secretKey:       cfg.SecretKey,
		apiURL:          strings.TrimRight(cfg.APIURL, "/"),
		returnURL:       cfg.ReturnURL,
		serviceURL:      cfg.ServiceURL,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

// VerifyResult is the projection of a CHECK_STATUS response the webhook
// reconciler cares about.
type VerifyResult struct {
	OrderReference    string
	TransactionID     string
	TransactionStatus string
	AmountMinorUnits  int64
	Currency          string
	Raw               string
}

// Approved reports whether the processor considers the payment settled.
func (v *VerifyResult) Approved() bool {
	return v.TransactionStatus == "Approved"
}

// signature is the merchant signature WayForPay documents: HMAC-MD5 over the
// fields joined with ';', keyed by the merchant secret.
func (s *WayForPayService) signature(fields ...string) string {
	mac := hmac.New(md5.New, []byte(s.secretKey))
	mac.Write([]byte(strings.Join(fields, ";")))
	return hex.EncodeToString(mac.Sum(nil))
}

// amountString renders minor units as the decimal string the API expects.
func amountString(minor int64) string {
	return strconv.FormatFloat(float64(minor)/100, 'f', 2, 64)
}

type invoiceRequest struct {
	TransactionType    string   `json:"transactionType"`
	MerchantAccount    string   `json:"merchantAccount"`
	MerchantDomainName string   `json:"merchantDomainName"`
	MerchantSignature  string   `json:"merchantSignature"`
	APIVersion         int      `json:"apiVersion"`
	OrderReference     string   `json:"orderReference"`
	OrderDate          int64    `json:"orderDate"`
	Amount             string   `json:"amount"`
	Currency           string   `json:"currency"`
	ProductName        []string `json:"productName"`
	ProductCount       []int    `json:"productCount"`
	ProductPrice       []string `json:"productPrice"`
	ServiceURL         string   `json:"serviceUrl,omitempty"`
	ReturnURL          string   `json:"returnUrl,omitempty"`
	ClientEmail        string   `json:"clientEmail,omitempty"`
}

type invoiceResponse struct {
	Reason         string `json:"reason"`
	ReasonCode     int    `json:"reasonCode"`
	InvoiceURL     string `json:"invoiceUrl"`
	OrderReference string `json:"orderReference"`
}

// CreateInvoice registers the transaction with the processor and returns the
// checkout redirect URL. The session id doubles as the merchant order
// reference, so webhooks carry it back verbatim.
func (s *WayForPayService) CreateInvoice(ctx context.Context, tx *models.Transaction, productName string) (string, error) {
	orderDate := tx.CreatedAt.Unix()
	amount := amountString(tx.AmountMinorUnits)

	req := invoiceRequest{
		TransactionType:    "CREATE_INVOICE",
		MerchantAccount:    s.merchantAccount,
		MerchantDomainName: s.merchantDomain,
		APIVersion:         1,
		OrderReference:     tx.SessionID,
		OrderDate:          orderDate,
		Amount:             amount,
		Currency:           tx.CurrencyCode,
		ProductName:        []string{productName},
		ProductCount:       []int{1},
		ProductPrice:       []string{amount},
		ServiceURL:         s.serviceURL,
		ReturnURL:          s.returnURL,
		ClientEmail:        tx.Email,
	}
	req.MerchantSignature = s.signature(
		s.merchantAccount, s.merchantDomain, tx.SessionID,
		strconv.FormatInt(orderDate, 10), amount, tx.CurrencyCode,
		productName, "1", amount,
	)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create invoice request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		log.Printf("Invoice request failed for session %s: %v", tx.SessionID, err)
		return "", fmt.Errorf("invoice request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Printf("Invoice creation failed with status %d: %s", resp.StatusCode, string(respBody))
		return "", fmt.Errorf("invoice creation failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var invResp invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invResp); err != nil {
		return "", fmt.Errorf("failed to decode invoice response: %v", err)
	}
	if invResp.ReasonCode != 1100 {
		log.Printf("Invoice rejected for session %s: %d %s", tx.SessionID, invResp.ReasonCode, invResp.Reason)
		return "", fmt.Errorf("invoice rejected: %d %s", invResp.ReasonCode, invResp.Reason)
	}
	if invResp.InvoiceURL == "" {
		return "", fmt.Errorf("no invoice URL in response")
	}

	log.Printf("Invoice created: session=%s url=%s", tx.SessionID, invResp.InvoiceURL)
	return invResp.InvoiceURL, nil
}

type checkStatusRequest struct {
	TransactionType   string `json:"transactionType"`
	MerchantAccount   string `json:"merchantAccount"`
	OrderReference    string `json:"orderReference"`
	MerchantSignature string `json:"merchantSignature"`
	APIVersion        int    `json:"apiVersion"`
}

type checkStatusResponse struct {
	OrderReference    string  `json:"orderReference"`
	TransactionID     string  `json:"transactionId"`
	AuthCode          string  `json:"authCode"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	TransactionStatus string  `json:"transactionStatus"`
	Reason            string  `json:"reason"`
	ReasonCode        int     `json:"reasonCode"`
}

// CheckStatus asks the processor for the authoritative state of an order.
func (s *WayForPayService) CheckStatus(ctx context.Context, orderReference string) (*VerifyResult, error) {
	req := checkStatusRequest{
		TransactionType:   "CHECK_STATUS",
		MerchantAccount:   s.merchantAccount,
		OrderReference:    orderReference,
		MerchantSignature: s.signature(s.merchantAccount, orderReference),
		APIVersion:        1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		log.Printf("Status check failed for order %s: %v", orderReference, err)
		return nil, fmt.Errorf("status check failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("Status check returned %d for order %s: %s", resp.StatusCode, orderReference, string(respBody))
		return nil, fmt.Errorf("status check failed: status %d: %s", resp.StatusCode, string(respBody))
	}

	var st checkStatusResponse
	if err := json.Unmarshal(respBody, &st); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %v", err)
	}

	orderID := st.TransactionID
	if orderID == "" {
		orderID = st.AuthCode
	}
	return &VerifyResult{
		OrderReference:    st.OrderReference,
		TransactionID:     orderID,
		TransactionStatus: st.TransactionStatus,
		AmountMinorUnits:  int64(st.Amount*100 + 0.5),
		Currency:          st.Currency,
		Raw:               string(respBody),
	}, nil
}
