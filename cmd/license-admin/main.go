package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"sankey-license-server/internal/auth"
	"sankey-license-server/internal/license"
	"sankey-license-server/internal/webhook"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" License Administration Tool")
	fmt.Println("========================================")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Generate master key")
		fmt.Println("  2. Encrypt a license blob")
		fmt.Println("  3. Decode a license blob")
		fmt.Println("  4. Sign a submission token")
		fmt.Println("  5. Issue an operator bearer token")
		fmt.Println("  6. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			generateMasterKey()
		case "2":
			encryptBlob(reader)
		case "3":
			decodeBlob(reader)
		case "4":
			signSubmissionToken(reader)
		case "5":
			issueBearerToken(reader)
		case "6":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func generateMasterKey() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Printf("Failed to generate key: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Master Key:  %s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Printf("  Generated:   %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println("========================================")
	fmt.Println("Store this under the user's vault path as master_key.")
}

func readKey(reader *bufio.Reader) []byte {
	fmt.Print("Master key (base64): ")
	encoded, _ := reader.ReadString('\n')
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(key) != 32 {
		fmt.Println("Key must be 32 bytes of standard base64")
		return nil
	}
	return key
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	value, _ := reader.ReadString('\n')
	return strings.TrimSpace(value)
}

func encryptBlob(reader *bufio.Reader) {
	fmt.Println("\n--- Encrypt License Blob ---")
	key := readKey(reader)
	if key == nil {
		return
	}

	eaName := prompt(reader, "EA name")
	accountID := prompt(reader, "Account number")
	userID := prompt(reader, "User id")
	expiryInput := prompt(reader, "Expiry (YYYY-MM-DD)")

	expiry, err := time.Parse("2006-01-02", expiryInput)
	if err != nil {
		fmt.Printf("Invalid expiry: %v\n", err)
		return
	}

	payload := license.NewPayload(eaName, accountID, userID, expiry, time.Now().UTC())
	blob, err := license.Encrypt(key, payload)
	if err != nil {
		fmt.Printf("Encryption failed: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  License Blob:\n%s\n", blob)
	fmt.Println("========================================")
}

func decodeBlob(reader *bufio.Reader) {
	fmt.Println("\n--- Decode License Blob ---")
	key := readKey(reader)
	if key == nil {
		return
	}

	blob := prompt(reader, "License blob")
	accountID := prompt(reader, "Account number")

	payload, err := license.Decrypt(key, blob, accountID)

	fmt.Println("\n========================================")
	if err != nil {
		fmt.Printf("  Status:  INVALID\n")
		fmt.Printf("  Error:   %s\n", err)
	} else {
		fmt.Printf("  Status:   VALID\n")
		fmt.Printf("  EA:       %s\n", payload.EAName)
		fmt.Printf("  Account:  %s\n", payload.AccountID)
		fmt.Printf("  User:     %s\n", payload.UserID)
		fmt.Printf("  Expiry:   %s\n", payload.Expiry.Format("2006-01-02"))
		fmt.Printf("  Issued:   %s\n", payload.IssuedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println("========================================")
}

func signSubmissionToken(reader *bufio.Reader) {
	fmt.Println("\n--- Sign Submission Token ---")
	key := readKey(reader)
	if key == nil {
		return
	}

	userID := prompt(reader, "User id")
	data := webhook.SubmissionData{
		EAName:        prompt(reader, "EA name"),
		AccountNumber: prompt(reader, "Account number"),
		Broker:        prompt(reader, "Broker"),
		Email:         prompt(reader, "Email"),
	}

	token, err := webhook.SignToken(key, userID, data, time.Now(), 5*time.Minute)
	if err != nil {
		fmt.Printf("Signing failed: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Token (valid 5m):\n%s\n", token)
	fmt.Println("========================================")
}

func issueBearerToken(reader *bufio.Reader) {
	fmt.Println("\n--- Issue Operator Bearer Token ---")

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		fmt.Println("AUTH_JWT_SECRET must be set")
		return
	}

	userID := prompt(reader, "User id")
	role := prompt(reader, "Role (user/operator)")
	if role != auth.RoleUser && role != auth.RoleOperator {
		fmt.Println("Invalid role")
		return
	}

	manager := auth.NewJWTManager(secret, "sankey-identity", 24*time.Hour)
	token, err := manager.GenerateToken(userID, role)
	if err != nil {
		fmt.Printf("Signing failed: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Bearer Token (valid 24h):\n%s\n", token)
	fmt.Println("========================================")
}
