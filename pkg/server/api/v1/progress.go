package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/codelens/codelens/pkg/engine"
	"github.com/codelens/codelens/pkg/server/api"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress is read-only and org-scoped by header, no CSRF surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const progressWriteTimeout = 10 * time.Second

// JobProgressHandler handles GET /api/v1/jobs/{id}/progress.
//
// Upgrades to a websocket and pushes progress snapshots as JSON frames.
// Slow readers see only the latest snapshot. The server closes the
// connection after the job reaches a terminal status. For a job that
// already finished the handler sends its final snapshot and closes.
func JobProgressHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		// Ownership check before any subscription: Get is org-scoped, so a
		// caller never streams another org's job by guessing its id.
		job, err := deps.Engine.Get(r.Context(), api.OrgID(r), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		ch, cancelSub, live := deps.Engine.Progress().Subscribe(id)
		if !live {
			// Not tracked anymore: serve the stored job's final snapshot.
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
			if err := conn.WriteJSON(engine.SnapshotOf(job)); err != nil {
				return
			}
			closeNormal(conn)
			return
		}
		defer cancelSub()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			log.Debug().Str("component", "api").Str("job_id", id).Err(err).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		// Drain client frames so pings are answered and a dropped peer
		// unblocks the snapshot loop.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancelSub()
					return
				}
			}
		}()

		for snap := range ch {
			conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
		closeNormal(conn)
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
