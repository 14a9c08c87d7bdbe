package main

import (
	"net/http"
)

func dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>threatfence</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #111827;
            color: #e5e7eb;
            min-height: 100vh;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        .header { margin-bottom: 24px; }
        .header h1 { font-size: 2em; }
        .header p { color: #9ca3af; }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(170px, 1fr));
            gap: 16px;
            margin-bottom: 24px;
        }
        .card {
            background: #1f2937;
            border-radius: 10px;
            padding: 18px;
        }
        .label {
            color: #9ca3af;
            font-size: 0.8em;
            text-transform: uppercase;
            letter-spacing: 1px;
            margin-bottom: 8px;
        }
        .value { font-size: 2em; font-weight: bold; }
        .allow { color: #10b981; }
        .deny { color: #f59e0b; }
        .quarantine { color: #fbbf24; }
        .sinkhole { color: #a78bfa; }
        .blackhole { color: #ef4444; }
        .panels { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        table { width: 100%; border-collapse: collapse; }
        th {
            text-align: left;
            padding: 10px;
            color: #9ca3af;
            font-size: 0.8em;
            text-transform: uppercase;
        }
        td { padding: 10px; border-top: 1px solid #374151; }
        #feed { list-style: none; font-family: monospace; font-size: 0.85em; max-height: 420px; overflow-y: auto; }
        #feed li { padding: 6px 0; border-top: 1px solid #374151; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>threatfence</h1>
            <p>Verdicts and escalations, refreshed every 2s</p>
        </div>

        <div class="grid">
            <div class="card"><div class="label">Total</div><div class="value" id="total">0</div></div>
            <div class="card"><div class="label">Allowed</div><div class="value allow" id="allowed">0</div></div>
            <div class="card"><div class="label">Denied</div><div class="value deny" id="denied">0</div></div>
            <div class="card"><div class="label">Quarantined</div><div class="value quarantine" id="quarantined">0</div></div>
            <div class="card"><div class="label">Sinkholed</div><div class="value sinkhole" id="sinkholed">0</div></div>
            <div class="card"><div class="label">Blackholed</div><div class="value blackhole" id="blackholed">0</div></div>
            <div class="card"><div class="label">Escalations</div><div class="value" id="escalations">0</div></div>
            <div class="card"><div class="label">Clients</div><div class="value" id="clients">0</div></div>
        </div>

        <div class="panels">
            <div class="card">
                <div class="label">Top clients</div>
                <table>
                    <thead>
                        <tr><th>Identity</th><th>Total</th><th>Allowed</th><th>Blocked</th><th>Last outcome</th><th>Last seen</th></tr>
                    </thead>
                    <tbody id="clientsTable">
                        <tr><td colspan="6">No requests yet</td></tr>
                    </tbody>
                </table>
            </div>
            <div class="card">
                <div class="label">Escalation feed <span id="feedState">(connecting)</span></div>
                <ul id="feed"></ul>
            </div>
        </div>
    </div>

    <script>
        const text = (id, v) => { document.getElementById(id).textContent = (v || 0).toLocaleString(); };

        async function fetchMetrics() {
            try {
                const response = await fetch('/v1/metrics');
                const data = await response.json();
                text('total', data.total_requests);
                text('allowed', data.allowed_requests);
                text('denied', data.denied_requests);
                text('quarantined', data.quarantined_requests);
                text('sinkholed', data.sinkholed_requests);
                text('blackholed', data.blackholed_requests);
                text('escalations', data.escalations);
                text('clients', data.unique_clients);

                const tbody = document.getElementById('clientsTable');
                if (!data.top_clients || data.top_clients.length === 0) {
                    return;
                }
                tbody.innerHTML = data.top_clients.map(c => ` + "`" + `
                    <tr>
                        <td><strong>${c.identity}</strong></td>
                        <td>${c.total_requests}</td>
                        <td class="allow">${c.allowed_requests}</td>
                        <td class="blackhole">${c.blocked_requests}</td>
                        <td class="${c.last_outcome}">${c.last_outcome}</td>
                        <td>${new Date(c.last_request_at).toLocaleTimeString()}</td>
                    </tr>` + "`" + `).join('');
            } catch (error) {
                console.error('Failed to fetch metrics:', error);
            }
        }

        function connectFeed() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/v1/feed');
            const state = document.getElementById('feedState');
            ws.onopen = () => { state.textContent = '(live)'; };
            ws.onclose = () => {
                state.textContent = '(reconnecting)';
                setTimeout(connectFeed, 3000);
            };
            ws.onmessage = (msg) => {
                const frame = JSON.parse(msg.data);
                if (frame.type !== 'escalation') {
                    return;
                }
                const ev = frame.data;
                const li = document.createElement('li');
                li.innerHTML = ` + "`" + `${new Date(ev.at).toLocaleTimeString()} ${ev.target_type} <strong>${ev.target}</strong> ${ev.from} &rarr; <span class="${ev.to.replace('ed', '')}">${ev.to}</span> (${ev.reason})` + "`" + `;
                const feed = document.getElementById('feed');
                feed.prepend(li);
                while (feed.children.length > 50) {
                    feed.removeChild(feed.lastChild);
                }
            };
        }

        fetchMetrics();
        connectFeed();
        setInterval(fetchMetrics, 2000);
    </script>
</body>
</html>`
