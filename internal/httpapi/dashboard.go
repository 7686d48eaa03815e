package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>sheSafe Live View</title>
  <style>
    :root {
      --ink: #1c1430;
      --paper: #f7f3fb;
      --card: #fffdfe;
      --line: #d9cde8;
      --accent: #7b4bc4;
      --safe: #2e9e6b;
      --danger: #c2483f;
      --muted: #6f6a7d;
      --shadow: 0 14px 30px rgba(28, 20, 48, 0.14);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(900px 420px at -5% -10%, rgba(123, 75, 196, 0.14), transparent 60%),
        linear-gradient(140deg, #fbf7ff 0%, #f2f6f4 50%, #fffdfe 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 920px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; letter-spacing: 0.02em; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: flex; gap: 10px; margin-top: 12px; }
    .controls input {
      flex: 1;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }
    .controls input:focus { border-color: var(--accent); }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 16px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }

    .cards { display: grid; gap: 14px; grid-template-columns: 1fr 1fr; }
    @media (max-width: 720px) { .cards { grid-template-columns: 1fr; } }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: var(--shadow);
    }
    .card h2 { margin: 0 0 10px; font-size: 1rem; }

    .status { font-size: 1.2rem; font-weight: 700; }
    .status.active { color: var(--danger); }
    .status.safe { color: var(--safe); }

    dl { margin: 10px 0 0; display: grid; grid-template-columns: auto 1fr; gap: 4px 12px; font-size: 0.9rem; }
    dt { color: var(--muted); }
    dd { margin: 0; word-break: break-all; }

    ul.feed {
      list-style: none;
      margin: 0;
      padding: 0;
      max-height: 320px;
      overflow-y: auto;
      font-size: 0.86rem;
      display: grid;
      gap: 6px;
    }
    ul.feed li {
      border: 1px solid var(--line);
      border-radius: 8px;
      padding: 6px 10px;
      background: var(--paper);
    }
    ul.feed li .kind { font-weight: 700; color: var(--accent); margin-right: 6px; }
  </style>
</head>
<body>
  <div class="shell">
    <header class="bar">
      <h1>sheSafe Live View</h1>
      <div class="sub">Latest presence record and live event feed per device.</div>
      <div class="controls">
        <input id="device" placeholder="device id, e.g. gateway-01" />
        <button id="watch">Watch</button>
      </div>
    </header>
    <div class="cards">
      <section class="card">
        <h2>Latest</h2>
        <div id="status" class="status">&mdash;</div>
        <dl>
          <dt>Coordinates</dt><dd id="coords">&mdash;</dd>
          <dt>Timestamp</dt><dd id="ts">&mdash;</dd>
          <dt>Audio</dt><dd id="audio">&mdash;</dd>
        </dl>
      </section>
      <section class="card">
        <h2>Live feed</h2>
        <ul id="feed" class="feed"></ul>
      </section>
    </div>
  </div>
  <script>
    let socket = null;

    function render(record) {
      const status = document.getElementById('status');
      status.textContent = record.status || 'unknown';
      status.className = 'status ' + (record.status || '');
      document.getElementById('coords').textContent =
        (record.lat != null && record.lon != null) ? record.lat + ', ' + record.lon : 'no fix yet';
      document.getElementById('ts').textContent = record.timestamp || '—';
      const audio = document.getElementById('audio');
      if (record.audioUrl) {
        audio.innerHTML = '<a href="' + record.audioUrl + '">' + record.audioUrl + '</a>';
      } else {
        audio.textContent = '—';
      }
    }

    function append(update) {
      const li = document.createElement('li');
      const kind = document.createElement('span');
      kind.className = 'kind';
      kind.textContent = update.kind;
      li.appendChild(kind);
      li.appendChild(document.createTextNode(update.record.timestamp || ''));
      const feed = document.getElementById('feed');
      feed.insertBefore(li, feed.firstChild);
      while (feed.children.length > 50) feed.removeChild(feed.lastChild);
    }

    function watch() {
      const device = document.getElementById('device').value.trim();
      if (!device) return;
      if (socket) socket.close();
      document.getElementById('feed').innerHTML = '';

      fetch('/api/location?device=' + encodeURIComponent(device))
        .then(r => r.ok ? r.json() : null)
        .then(record => { if (record) render(record); });

      const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
      socket = new WebSocket(proto + location.host + '/api/live?device=' + encodeURIComponent(device));
      socket.onmessage = evt => {
        const update = JSON.parse(evt.data);
        render(update.record);
        if (update.kind !== 'snapshot') append(update);
      };
    }

    document.getElementById('watch').addEventListener('click', watch);
    document.getElementById('device').addEventListener('keydown', evt => {
      if (evt.key === 'Enter') watch();
    });
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, dashboardHTML)
}
