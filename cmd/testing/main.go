package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/pkg/signature"
	"github.com/google/uuid"
)

var URL, _ = os.LookupEnv("API_URL")
var PORT, _ = os.LookupEnv("API_PORT")
var SECRET, _ = os.LookupEnv("WEBHOOK_SECRET")
var apiURL = fmt.Sprintf("http://%s:%s/api/v1", URL, PORT)
var offrampsURL = apiURL + "/offramps/"
var webhookURL = apiURL + "/webhooks/deposits"

const (
	workers         = 10
	duration        = 30 * time.Second
	signatureHeader = "X-Webhook-Signature"
)

var banks = []string{"058", "044", "033", "057"}

type Offramp struct {
	UserID        string `json:"userId,omitempty"`
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
	Amount        string `json:"amount,omitempty"`
}

type OfframpResponse struct {
	TransactionID  string `json:"transactionId"`
	DepositAddress string `json:"depositAddress"`
	Status         string `json:"status"`
}

// Drives the API with concurrent off-ramp requests and signed deposit notifications,
// then prints the final status of every row it created.
func main() {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []OfframpResponse
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			start := time.Now()
			for time.Since(start) < duration {
				offramp, err := createOfframp()
				if err != nil {
					fmt.Println("Error creating off-ramp:", err)
				} else {
					fmt.Printf("Off-ramp created. ID: %s, Address: %s\n", offramp.TransactionID, offramp.DepositAddress)
					mu.Lock()
					created = append(created, *offramp)
					mu.Unlock()

					code, err := notifyDeposit(offramp.DepositAddress, rand.Float64() < 0.1)
					if err != nil {
						fmt.Println("Error sending notification:", err)
					} else {
						fmt.Printf("Notification sent. Status code: %d\n", code)
					}
				}

				time.Sleep(time.Duration(rand.Intn(1000)) * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	for _, offramp := range created {
		printStatus(offramp.TransactionID)
	}
}

func createOfframp() (*OfframpResponse, error) {
	data, err := json.Marshal(newOfframp())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, offrampsURL, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wrong status code: %d", resp.StatusCode)
	}

	var offramp OfframpResponse
	if err = json.NewDecoder(resp.Body).Decode(&offramp); err != nil {
		return nil, err
	}
	return &offramp, nil
}

// notifyDeposit posts a signed notification. A tampered request flips the body after signing
// and should be refused with 401.
func notifyDeposit(address string, tamper bool) (int, error) {
	body, err := json.Marshal(map[string]string{"address": address, "txHash": "0x" + uuid.New().String()})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signature.Sign(SECRET, time.Now(), []string{"Content-Type"}, req.Header, body))
	if tamper {
		body = append(body, ' ')
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func newOfframp() Offramp {
	offramp := Offramp{
		AccountNumber: fmt.Sprintf("%010d", rand.Intn(1_000_000_000)),
		BankCode:      banks[rand.Intn(len(banks))],
	}
	if rand.Float64() < 0.5 {
		offramp.UserID = uuid.New().String()
	}
	if rand.Float64() < 0.3 {
		offramp.Amount = fmt.Sprintf("%.2f", rand.Float64()*1000+1)
	}
	return offramp
}

func printStatus(transactionID string) {
	resp, err := http.Get(offrampsURL + transactionID)
	if err != nil {
		fmt.Println("Error getting status:", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Println("Wrong status code:", resp.StatusCode)
		return
	}

	var offramp OfframpResponse
	if err = json.NewDecoder(resp.Body).Decode(&offramp); err != nil {
		fmt.Println("Error decoding status:", err)
		return
	}

	fmt.Printf("Off-ramp %s: %s\n", offramp.TransactionID, offramp.Status)
}
