package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"google.golang.org/api/calendar/v3"
)

// salonInstructions is the system prompt for the receptionist model.
const salonInstructions = `You are a hair salon receptionist for "Belli Capelli" hair salon. Help clients schedule appointments, answer questions about services, and be friendly and professional. Communicate in Italian primarily.`

const defaultVoice = "alloy"

// SalonBridge is the backend for the salon's voice receptionist: it mints
// short-lived provider credentials for the browser and performs calendar
// actions on the shared salon calendar.
type SalonBridge struct {
	elevenLabs *ElevenLabsClient
	openAI     *OpenAIRealtimeClient
	calendar   CalendarAPI
	agentID    string
	model      string
	timezone   string
}

// NewSalonBridge creates a bridge instance from the environment.
func NewSalonBridge() *SalonBridge {
	b := &SalonBridge{
		agentID:  os.Getenv("ELEVENLABS_AGENT_ID"),
		model:    os.Getenv("OPENAI_REALTIME_MODEL"),
		timezone: os.Getenv("SALON_TIMEZONE"),
	}
	if b.model == "" {
		b.model = defaultRealtimeModel
	}
	if b.timezone == "" {
		b.timezone = "Europe/Rome"
	}

	if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
		b.elevenLabs = NewElevenLabsClient(key)
	} else {
		log.Println("⚠️  ELEVENLABS_API_KEY not set - signed URL endpoint will fail")
	}
	if b.agentID == "" {
		log.Println("⚠️  ELEVENLABS_AGENT_ID not set - signed URL endpoint will fail")
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		b.openAI = NewOpenAIRealtimeClient(key)
	} else {
		log.Println("⚠️  OPENAI_API_KEY not set - realtime session endpoint will fail")
	}

	gcal, err := NewGoogleCalendar(context.Background())
	if err != nil {
		log.Printf("⚠️  Calendar not configured - booking endpoints will fail: %v", err)
	} else {
		b.calendar = gcal
	}

	return b
}

// Start begins the HTTP server.
func (b *SalonBridge) Start() {
	router := b.routes()

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	log.Printf("🚀 Salon voice bridge starting on port %s", port)
	log.Printf("🔑 ElevenLabs configured: %v", b.elevenLabs != nil && b.agentID != "")
	log.Printf("🔑 OpenAI configured: %v", b.openAI != nil)
	log.Printf("📅 Calendar configured: %v", b.calendar != nil)

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal(err)
	}
}

// routes builds the router with all API endpoints and middleware.
func (b *SalonBridge) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(b.loggingMiddleware)
	router.Use(b.corsMiddleware)

	router.HandleFunc("/api/signed-url", b.handleSignedURL).Methods("GET")
	router.HandleFunc("/api/agent-id", b.handleAgentID).Methods("GET")
	router.HandleFunc("/api/realtime-session", b.handleRealtimeSession).Methods("POST")
	router.HandleFunc("/api/calendar/events", b.handleCreateCalendarEvent).Methods("POST")
	router.HandleFunc("/api/calendar/events", b.handleListCalendarEvents).Methods("GET")
	router.HandleFunc("/status", b.handleStatus).Methods("GET")
	router.HandleFunc("/health", b.handleHealth).Methods("GET")

	// Preflight requests must reach the CORS middleware, which only runs on
	// matched routes.
	router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return router
}

// loggingMiddleware logs all incoming requests.
func (b *SalonBridge) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("🌐 %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the marketing site to call the API from any origin.
func (b *SalonBridge) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleSignedURL returns a signed conversation URL for the managed voice
// session.
func (b *SalonBridge) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	if b.elevenLabs == nil || b.agentID == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Missing ElevenLabs configuration. Please set ELEVENLABS_AGENT_ID and ELEVENLABS_API_KEY environment variables.",
		})
		return
	}

	signedURL, err := b.elevenLabs.GetSignedURL(b.agentID)
	if err != nil {
		log.Printf("❌ Error getting signed URL: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get signed URL"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"signedUrl": signedURL})
}

// handleAgentID exposes the public agent id.
func (b *SalonBridge) handleAgentID(w http.ResponseWriter, r *http.Request) {
	if b.agentID == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Agent ID not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agentId": b.agentID})
}

// handleRealtimeSession mints an ephemeral realtime session for the peer
// transport, configured with the receptionist instructions and the booking
// tool.
func (b *SalonBridge) handleRealtimeSession(w http.ResponseWriter, r *http.Request) {
	if b.openAI == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Missing OpenAI configuration. Please set OPENAI_API_KEY environment variable."})
		return
	}

	info, err := b.openAI.CreateSession(b.model, defaultVoice, salonInstructions, GetSalonTools())
	if err != nil {
		log.Printf("❌ OpenAI API error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Realtime session creation failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":        info.Token,
		"sessionId":    info.SessionID,
		"model":        info.Model,
		"instructions": info.Instructions,
		"voice":        info.Voice,
	})
}

type createEventRequest struct {
	Summary   string   `json:"summary"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Attendees []string `json:"attendees,omitempty"`
	Phone     string   `json:"phone,omitempty"`
}

// handleCreateCalendarEvent books an appointment on the salon calendar.
func (b *SalonBridge) handleCreateCalendarEvent(w http.ResponseWriter, r *http.Request) {
	if b.calendar == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Calendar not configured"})
		return
	}

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}

	if req.Summary == "" || req.StartTime == "" || req.EndTime == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "summary, startTime and endTime are required"})
		return
	}
	if err := parseAppointmentTime(req.StartTime); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid startTime: " + req.StartTime})
		return
	}
	if err := parseAppointmentTime(req.EndTime); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid endTime: " + req.EndTime})
		return
	}

	event := &calendar.Event{
		Summary: req.Summary,
		Start:   &calendar.EventDateTime{DateTime: req.StartTime, TimeZone: b.timezone},
		End:     &calendar.EventDateTime{DateTime: req.EndTime, TimeZone: b.timezone},
	}
	for _, email := range req.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
	}
	if req.Phone != "" {
		phone, err := FormatContactPhone(req.Phone)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone: " + req.Phone})
			return
		}
		event.Description = "Contact: " + phone
	}

	created, err := b.calendar.CreateEvent(r.Context(), event)
	if err != nil {
		log.Printf("❌ Failed to create calendar event: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to create calendar event",
			"details": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Event created",
		"event":   created,
	})
}

// handleListCalendarEvents returns the appointments for one day.
func (b *SalonBridge) handleListCalendarEvents(w http.ResponseWriter, r *http.Request) {
	if b.calendar == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Calendar not configured"})
		return
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "day query parameter is required (YYYY-MM-DD)"})
		return
	}
	parsed, err := time.Parse("2006-01-02", day)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid day: " + day})
		return
	}

	events, err := b.calendar.ListDay(r.Context(), parsed)
	if err != nil {
		log.Printf("❌ Failed to list calendar events: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list calendar events"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleStatus returns the bridge status.
func (b *SalonBridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Format(time.RFC3339),
		"model":     b.model,
		"timezone":  b.timezone,
		"environment": map[string]bool{
			"elevenlabs_configured": b.elevenLabs != nil && b.agentID != "",
			"openai_configured":     b.openAI != nil,
			"calendar_configured":   b.calendar != nil,
		},
	})
}

// handleHealth returns health check status.
func (b *SalonBridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️  No .env file found, using process environment")
	}

	log.Println("🚀 Starting salon voice bridge")
	bridge := NewSalonBridge()
	bridge.Start()
}
