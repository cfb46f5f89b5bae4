package hub

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>CCTV Live</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; background: #111; color: #ddd; font-family: sans-serif; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 8px 16px; }
        .badge { padding: 2px 8px; border-radius: 4px; background: #444; font-size: 12px; }
        .badge.live { background: #2e7d32; }
        .badge.down { background: #c62828; }
        #view { display: block; max-width: 100%; margin: 0 auto; background: #000; }
        .stats { padding: 8px 16px; font-size: 12px; color: #888; }
    </style>
</head>
<body>
    <div class="header">
        <div class="title">CCTV Live</div>
        <span class="badge" id="status-badge">Connecting...</span>
    </div>
    <img id="view" alt="live view">
    <div class="stats" id="stats"></div>

    <script>
    (function () {
        const view = document.getElementById('view');
        const badge = document.getElementById('status-badge');
        const stats = document.getElementById('stats');
        let url = null;
        let frames = 0;
        let last = performance.now();

        function setBadge(text, cls) {
            badge.textContent = text;
            badge.className = 'badge ' + cls;
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/ws/stream');
            ws.binaryType = 'blob';

            ws.onopen = () => setBadge('Waiting for relay...', '');
            ws.onmessage = (ev) => {
                // Latest frame replaces the previous one; old object URLs are released.
                const next = URL.createObjectURL(ev.data);
                view.src = next;
                if (url) URL.revokeObjectURL(url);
                url = next;
                frames++;
                setBadge('LIVE', 'live');
            };
            ws.onclose = () => {
                setBadge('Disconnected, retrying...', 'down');
                setTimeout(connect, 1000);
            };
        }

        setInterval(() => {
            const now = performance.now();
            const fps = frames * 1000 / (now - last);
            frames = 0;
            last = now;
            fetch('/health').then(r => r.json()).then(h => {
                stats.textContent = 'fps ' + fps.toFixed(1) +
                    ' | viewers ' + h.viewers +
                    ' | relay ' + (h.relay_connected ? 'connected' : 'offline');
            }).catch(() => {});
        }, 2000);

        connect();
    })();
    </script>
</body>
</html>
`
