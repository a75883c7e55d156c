package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// Dispatcher sends push notifications to users' registered devices and
// persists a NotificationHistory row per target user. Delivery is
// fire-and-forget: failures are logged, never surfaced to the caller.
type Dispatcher struct {
	db         *gorm.DB
	expoClient *expo.PushClient
}

func NewDispatcher(db *gorm.DB) *Dispatcher {
	return &Dispatcher{
		db:         db,
		expoClient: expo.NewPushClient(nil),
	}
}

// Notify pushes title/body to every device of every user in userIDs. Screen
// is the in-app destination; data rides along as string key/values.
func (d *Dispatcher) Notify(userIDs []string, title, body, screen string, data map[string]string) {
	if len(userIDs) == 0 {
		return
	}

	var devices []models.Device
	if err := d.db.Where("user_id IN ?", userIDs).Find(&devices).Error; err != nil {
		log.Printf("Error retrieving devices for notification: %v", err)
		return
	}

	status := "sent"
	if len(devices) > 0 {
		var tokens []string
		for _, device := range devices {
			tokens = append(tokens, device.Token)
		}
		if err := d.push(tokens, title, body, screen, data); err != nil {
			log.Printf("Error sending notification %q: %v", title, err)
			status = "failed"
		}
	}

	dataJSON, _ := json.Marshal(data)
	for _, userID := range userIDs {
		history := models.NotificationHistory{
			UserID: userID,
			Title:  title,
			Body:   body,
			Screen: screen,
			Data:   string(dataJSON),
			Status: status,
			SentAt: time.Now(),
		}
		if err := d.db.Create(&history).Error; err != nil {
			log.Printf("Error creating notification history for user %s: %v", userID, err)
		}
	}
}

// push sends one Expo push message to the given tokens.
func (d *Dispatcher) push(tokenStrings []string, title, body, screen string, data map[string]string) error {
	var validTokens []expo.ExponentPushToken
	var invalidTokens []string

	for _, tokenString := range tokenStrings {
		pushToken, err := expo.NewExponentPushToken(tokenString)
		if err != nil {
			log.Printf("Invalid push token format %s: %v", tokenString, err)
			invalidTokens = append(invalidTokens, tokenString)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}

	if len(validTokens) == 0 {
		return fmt.Errorf("no valid push tokens found")
	}

	stringData := make(map[string]string, len(data)+1)
	for key, value := range data {
		stringData[key] = value
	}
	if screen != "" {
		stringData["screen"] = screen
	}

	pushMessage := &expo.PushMessage{
		To:       validTokens,
		Body:     body,
		Title:    title,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     stringData,
	}

	response, err := d.expoClient.Publish(pushMessage)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %v", err)
	}

	if validationErr := response.ValidateResponse(); validationErr != nil {
		d.cleanupInvalidTokens(invalidTokens)
		return fmt.Errorf("notification validation failed: %v", validationErr)
	}

	if len(invalidTokens) > 0 {
		d.cleanupInvalidTokens(invalidTokens)
	}
	return nil
}

// cleanupInvalidTokens removes dead device tokens from the registry.
func (d *Dispatcher) cleanupInvalidTokens(tokens []string) {
	for _, token := range tokens {
		if err := d.db.Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			log.Printf("Error cleaning up invalid token %s: %v", token, err)
		}
	}
}
