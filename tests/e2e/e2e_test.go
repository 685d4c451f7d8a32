package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vesperhq/ember/internal/broadcast"
	"github.com/vesperhq/ember/internal/presence"
	"github.com/vesperhq/ember/internal/ratelimit"
	"github.com/vesperhq/ember/internal/store"
)

type beginResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	MomentID  string    `json:"momentId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type endResponse struct {
	SessionID       string `json:"sessionId"`
	MomentID        string `json:"momentId"`
	DurationSeconds int    `json:"durationSeconds"`
}

func beginSession(h *harness, momentID string) (*http.Response, beginResponse) {
	body, _ := json.Marshal(map[string]string{"momentId": momentID})
	resp, err := http.Post(h.server.URL+"/session/begin", "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	var decoded beginResponse
	json.NewDecoder(resp.Body).Decode(&decoded)
	resp.Body.Close()
	return resp, decoded
}

func endSession(h *harness, bearerToken string) (*http.Response, endResponse) {
	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/session/end", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	var decoded endResponse
	json.NewDecoder(resp.Body).Decode(&decoded)
	resp.Body.Close()
	return resp, decoded
}

var _ = Describe("session begin, join, heartbeat, end", func() {
	It("walks the full happy path", func() {
		h := newHarness(ratelimit.SessionBegin, restingPresenceConfig)
		h.seedMoment("m1", store.MomentStatusLive, 100)

		resp, begin := beginSession(h, "m1")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(begin.Token).NotTo(BeEmpty())
		Expect(begin.SessionID).NotTo(BeEmpty())

		conn := h.dial()
		Expect(readFrame(conn).Type).To(Equal(broadcast.TypePong))

		sendFrame(conn, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin.Token, MomentID: "m1"})

		joined := readFrame(conn)
		Expect(joined.Type).To(Equal(broadcast.TypeJoined))
		var joinedPayload broadcast.JoinedPayload
		Expect(json.Unmarshal(joined.Payload, &joinedPayload)).To(Succeed())
		Expect(joinedPayload.PresenceCount).To(Equal(1))

		update := readFrame(conn)
		Expect(update.Type).To(Equal(broadcast.TypePresenceUpdate))
		var updatePayload broadcast.PresenceUpdatePayload
		Expect(json.Unmarshal(update.Payload, &updatePayload)).To(Succeed())
		Expect(updatePayload.Count).To(Equal(1))
		Expect(updatePayload.PeakCount).To(Equal(1))

		sendFrame(conn, broadcast.TypeHeartbeat, broadcast.HeartbeatPayload{SessionToken: begin.Token, Timestamp: time.Now().UnixMilli()})
		Expect(readFrame(conn).Type).To(Equal(broadcast.TypePong))

		conn.Close()

		endResp, end := endSession(h, begin.Token)
		Expect(endResp.StatusCode).To(Equal(http.StatusOK))
		Expect(end.DurationSeconds).To(BeNumerically(">=", 0))
	})
})

var _ = Describe("session-begin rate limiting", func() {
	It("blocks the sixth begin within the window and reports Retry-After", func() {
		h := newHarness(ratelimit.Config{Name: "tight-begin", MaxRequests: 5, Window: 60 * time.Second, BlockDuration: 300 * time.Second}, restingPresenceConfig)
		h.seedMoment("m1", store.MomentStatusLive, 100)

		for i := 0; i < 5; i++ {
			resp, _ := beginSession(h, "m1")
			Expect(resp.StatusCode).To(Equal(http.StatusOK), fmt.Sprintf("request %d should succeed", i+1))
		}

		resp, _ := beginSession(h, "m1")
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(resp.Header.Get("Retry-After")).To(Equal("300"))
	})
})

var _ = Describe("joining the wrong moment", func() {
	It("rejects with INVALID_TOKEN and leaves registry state untouched", func() {
		h := newHarness(ratelimit.SessionBegin, restingPresenceConfig)
		h.seedMoment("m1", store.MomentStatusLive, 100)
		h.seedMoment("m2", store.MomentStatusScheduled, 100)

		_, begin := beginSession(h, "m1")

		conn := h.dial()
		readFrame(conn) // initial pong

		sendFrame(conn, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin.Token, MomentID: "m2"})

		errFrame := readFrame(conn)
		Expect(errFrame.Type).To(Equal(broadcast.TypeError))
		var errPayload broadcast.ErrorPayload
		Expect(json.Unmarshal(errFrame.Payload, &errPayload)).To(Succeed())
		Expect(errPayload.Code).To(Equal(broadcast.ErrInvalidToken))

		Expect(h.registry.PresenceCount("m1")).To(Equal(0))
		Expect(h.registry.PresenceCount("m2")).To(Equal(0))
	})
})

var _ = Describe("heartbeat timeout", func() {
	It("closes an idle socket once it exceeds the timeout and decrements presence", func() {
		h := newHarness(ratelimit.SessionBegin, presence.Config{HeartbeatTimeout: 300 * time.Millisecond, SweepInterval: 100 * time.Millisecond})
		h.seedMoment("m1", store.MomentStatusLive, 100)
		_, begin := beginSession(h, "m1")

		conn := h.dial()
		readFrame(conn)
		sendFrame(conn, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin.Token, MomentID: "m1"})
		readFrame(conn) // joined
		readFrame(conn) // presence_update

		Expect(h.registry.PresenceCount("m1")).To(Equal(1))

		// Never heartbeats again; the sweeper should force the socket
		// closed once it has been idle past the timeout.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		Expect(err).To(HaveOccurred())

		Eventually(func() int {
			return h.registry.PresenceCount("m1")
		}, 2*time.Second, 25*time.Millisecond).Should(Equal(0))
	})
})

var _ = Describe("two joiners, one leaves", func() {
	It("tracks count up to two peers then back down to one", func() {
		h := newHarness(ratelimit.SessionBegin, restingPresenceConfig)
		h.seedMoment("m1", store.MomentStatusLive, 100)

		_, begin1 := beginSession(h, "m1")
		_, begin2 := beginSession(h, "m1")

		conn1 := h.dial()
		readFrame(conn1)
		sendFrame(conn1, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin1.Token, MomentID: "m1"})
		readFrame(conn1) // joined count=1
		update1 := readFrame(conn1)
		var u1 broadcast.PresenceUpdatePayload
		Expect(json.Unmarshal(update1.Payload, &u1)).To(Succeed())
		Expect(u1.Count).To(Equal(1))

		conn2 := h.dial()
		readFrame(conn2)
		sendFrame(conn2, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin2.Token, MomentID: "m1"})
		readFrame(conn2) // joined count=2

		update2on1 := readFrame(conn1)
		var u2 broadcast.PresenceUpdatePayload
		Expect(json.Unmarshal(update2on1.Payload, &u2)).To(Succeed())
		Expect(u2.Count).To(Equal(2))

		readFrame(conn2) // presence_update count=2, mirrored to joiner 2

		sendFrame(conn1, broadcast.TypeLeave, broadcast.LeavePayload{SessionToken: begin1.Token})

		afterLeave := readFrame(conn2)
		var u3 broadcast.PresenceUpdatePayload
		Expect(json.Unmarshal(afterLeave.Payload, &u3)).To(Succeed())
		Expect(u3.Count).To(Equal(1))

		Expect(h.registry.PresenceCount("m1")).To(Equal(1))
	})
})

var _ = Describe("session end clears presence", func() {
	It("removes the socket's presence and rejects further frames on that token", func() {
		h := newHarness(ratelimit.SessionBegin, restingPresenceConfig)
		h.seedMoment("m1", store.MomentStatusLive, 100)
		_, begin := beginSession(h, "m1")

		conn := h.dial()
		readFrame(conn)
		sendFrame(conn, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin.Token, MomentID: "m1"})
		readFrame(conn) // joined
		readFrame(conn) // presence_update

		Expect(h.registry.PresenceCount("m1")).To(Equal(1))

		endResp, _ := endSession(h, begin.Token)
		Expect(endResp.StatusCode).To(Equal(http.StatusOK))

		Expect(h.registry.PresenceCount("m1")).To(Equal(0))

		count, err := h.store.CountPresences(context.Background(), "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(0))

		conn2 := h.dial()
		readFrame(conn2)
		sendFrame(conn2, broadcast.TypeJoin, broadcast.JoinPayload{SessionToken: begin.Token, MomentID: "m1"})
		errFrame := readFrame(conn2)
		Expect(errFrame.Type).To(Equal(broadcast.TypeError))
	})
})
